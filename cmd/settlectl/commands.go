// cmd/settlectl/commands.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"nexus-settlement/internal/pkg/httpclient"
)

// settlectl 通过 settlement-service 的运维接口操作，不直接连接存储。
type cli struct {
	server  string
	timeout time.Duration
	client  *httpclient.Client
}

func newRootCmd() *cobra.Command {
	c := &cli{client: httpclient.NewClient(otel.Tracer("settlectl"), nil)}
	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operator tool for the settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.server, "server", "s", envOr("SETTLECTL_SERVER", "http://localhost:8090"), "settlement-service base URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		c.backfillCmd(),
		c.completeCmd(),
		c.resendCmd(),
		c.sweepCmd(),
		c.ledgerCmd(),
		c.orderCmd(),
		c.governorCmd(),
	)
	return root
}

func (c *cli) backfillCmd() *cobra.Command {
	var txID, orderID string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconcile a transaction that neither the client nor the webhook delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			if txID == "" && orderID == "" {
				return errors.New("one of --tx or --order is required")
			}
			body := map[string]string{"transactionId": txID, "orderId": orderID}
			return c.post(cmd, "/admin/backfill", body)
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "provider transaction id")
	cmd.Flags().StringVar(&orderID, "order", "", "existing order id")
	return cmd
}

func (c *cli) completeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Submit a completion event from a JSON file (- for stdin) as a client call",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if !json.Valid(raw) {
				return errors.Errorf("%s is not valid JSON", file)
			}
			return c.post(cmd, "/v1/orders/complete", json.RawMessage(raw))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "event JSON file")
	return cmd
}

func (c *cli) resendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resend ORDER_ID",
		Short: "Resend notifications that have not been delivered for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.post(cmd, "/admin/orders/"+url.PathEscape(args[0])+"/notifications/resend", struct{}{})
		},
	}
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the stale ledger sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.post(cmd, "/admin/ledger/sweep", struct{}{})
		},
	}
}

func (c *cli) ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger TRANSACTION_ID",
		Short: "Show the idempotency record of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd, "/admin/ledger/"+url.PathEscape(args[0]))
		},
	}
}

func (c *cli) orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order ORDER_ID",
		Short: "Show a finalized order with its commission and campaign shares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd, "/admin/orders/"+url.PathEscape(args[0]))
		},
	}
}

func (c *cli) governorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "governor",
		Short: "Show rate windows and budget usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd, "/admin/governor")
		},
	}
}

func (c *cli) post(cmd *cobra.Command, path string, body interface{}) error {
	ctx, cancel := c.context(cmd)
	defer cancel()
	var out json.RawMessage
	err := c.client.PostJSON(ctx, c.server, path, body, &out)
	return c.print(cmd, out, err)
}

func (c *cli) get(cmd *cobra.Command, path string) error {
	ctx, cancel := c.context(cmd)
	defer cancel()
	var out json.RawMessage
	err := c.client.GetJSON(ctx, c.server, path, &out)
	return c.print(cmd, out, err)
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

// print 输出服务端响应。非 2xx 时仍打印响应体，并以错误退出。
func (c *cli) print(cmd *cobra.Command, out json.RawMessage, callErr error) error {
	w := cmd.OutOrStdout()
	var statusErr *httpclient.StatusError
	if errors.As(callErr, &statusErr) {
		writeIndented(w, statusErr.Body)
		return errors.Errorf("server answered %d", statusErr.StatusCode)
	}
	if callErr != nil {
		return errors.Wrapf(callErr, "call %s", c.server)
	}
	writeIndented(w, out)
	return nil
}

func writeIndented(w io.Writer, raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, buf.String())
}

func readInput(stdin io.Reader, file string) ([]byte, error) {
	if file == "" || file == "-" {
		raw, err := io.ReadAll(stdin)
		return raw, errors.Wrap(err, "read stdin")
	}
	raw, err := os.ReadFile(file)
	return raw, errors.Wrapf(err, "read %s", file)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
