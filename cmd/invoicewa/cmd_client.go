package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"invoicewa/internal/api"
	"invoicewa/internal/delivery"
	"invoicewa/internal/session"
)

// apiClient talks to a running invoicewa over its REST API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx reply.
type apiError struct {
	Code int
	Body api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Details != "" {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Body.Error, e.Code, e.Body.Details)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Body.Error, e.Code)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		ae := &apiError{Code: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&ae.Body); err != nil || ae.Body.Error == "" {
			ae.Body.Error = http.StatusText(resp.StatusCode)
		}
		return ae
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) Status(ctx context.Context) (session.StatusView, error) {
	var v session.StatusView
	err := c.do(ctx, http.MethodGet, "/api/whatsapp/status", nil, &v)
	return v, err
}

func (c *apiClient) QR(ctx context.Context, format session.QRFormat) (session.QRView, error) {
	var v session.QRView
	err := c.do(ctx, http.MethodGet, "/api/whatsapp/qr?format="+format.String(), nil, &v)
	return v, err
}

func (c *apiClient) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/whatsapp/restart", nil, nil)
}

func (c *apiClient) SendDocument(ctx context.Context, req api.SendDocumentRequest) (delivery.Receipt, error) {
	var r delivery.Receipt
	err := c.do(ctx, http.MethodPost, "/api/whatsapp/send-document", req, &r)
	return r, err
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session status of a running invoicewa",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newAPIClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderStatus(v))
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Discard the stored session and start a fresh pairing",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().Restart(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Session restart requested. Run \"invoicewa watch\" to scan the new QR code.")
		return nil
	},
}

var (
	sendCaption string
	sendInline  bool
)

var sendCmd = &cobra.Command{
	Use:   "send <destination> <file>",
	Short: "Send a document through the connected session",
	Long: `Sends a document to a phone number. The destination may be a local
10-digit number (the configured country code is prepended) or a full number.

By default the server reads <file> from its own filesystem. Use --inline to
upload the file contents instead.`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status JSON")
	sendCmd.Flags().StringVar(&sendCaption, "caption", "", "Caption sent with the document")
	sendCmd.Flags().BoolVar(&sendInline, "inline", false, "Upload the file contents instead of a server-side path")
}

func runSend(cmd *cobra.Command, args []string) error {
	req := api.SendDocumentRequest{
		Destination: args[0],
		FileName:    filepath.Base(args[1]),
		Caption:     sendCaption,
	}
	if sendInline {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read document: %w", err)
		}
		req.Content = data
	} else {
		abs, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		req.FilePath = abs
	}

	receipt, err := newAPIClient().SendDocument(cmd.Context(), req)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Code == http.StatusServiceUnavailable {
			return fmt.Errorf("%w\nCheck the session with \"invoicewa status\"", err)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s in %s (id %s)\n",
		receipt.FileName, receipt.Destination, receipt.Elapsed.Round(time.Millisecond), receipt.ID)
	return nil
}
