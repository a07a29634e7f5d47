package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chulah/checkout/internal/poller"
	"chulah/checkout/internal/webhook"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "checkout-confirm",
		Short:   "Confirm hosted-checkout payments against a running checkout service",
		Version: Version,
	}

	rootCmd.AddCommand(confirmCmd())
	rootCmd.AddCommand(signCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func confirmCmd() *cobra.Command {
	var (
		baseURL         string
		orderID         string
		providerOrderID string
		successURL      string
		failureURL      string
		maxAttempts     int
		baseDelay       time.Duration
		callTimeout     time.Duration
		asJSON          bool
		verbose         bool
	)

	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Poll payment status until it settles and record the outcome on the order",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := poller.NewClient(baseURL, callTimeout)
			if providerOrderID == "" && orderID != "" {
				o, err := client.Order(ctx, orderID)
				if err != nil {
					return fmt.Errorf("resolve order %s: %w", orderID, err)
				}
				providerOrderID = o.ProviderOrderID
			}

			p := poller.New(poller.Config{
				MaxAttempts: maxAttempts,
				BaseDelay:   baseDelay,
				CallTimeout: callTimeout,
				SuccessURL:  successURL,
				FailureURL:  failureURL,
			}, client, client, logger)

			out, err := p.Run(ctx, poller.Session{OrderID: orderID, ProviderOrderID: providerOrderID})
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), out, asJSON)
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "Checkout service base URL")
	cmd.Flags().StringVar(&orderID, "order-id", "", "Domain order id from the redirect (?id=)")
	cmd.Flags().StringVar(&providerOrderID, "provider-order-id", "", "Provider order id; resolved from --order-id when empty")
	cmd.Flags().StringVar(&successURL, "success-url", "/order/success", "Navigation target on success")
	cmd.Flags().StringVar(&failureURL, "failure-url", "/order/failed", "Navigation target on failure")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", poller.DefaultMaxAttempts, "Status lookups before giving up")
	cmd.Flags().DurationVar(&baseDelay, "base-delay", poller.DefaultBaseDelay, "Backoff unit; attempt n waits n times this")
	cmd.Flags().DurationVar(&callTimeout, "call-timeout", poller.DefaultCallTimeout, "Timeout for each HTTP call")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every attempt")

	return cmd
}

func printOutcome(w io.Writer, out poller.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"state":          out.State.String(),
			"reason":         out.Reason,
			"attempts":       out.Attempts,
			"payment_status": out.PaymentStatus,
			"transaction_id": out.TransactionID,
			"redirect_url":   out.RedirectURL,
		})
	}
	fmt.Fprintf(w, "State:       %s\n", out.State)
	if out.Reason != poller.ReasonNone {
		fmt.Fprintf(w, "Reason:      %s\n", out.Reason)
	}
	fmt.Fprintf(w, "Attempts:    %d\n", out.Attempts)
	if out.TransactionID != "" {
		fmt.Fprintf(w, "Transaction: %s\n", out.TransactionID)
	}
	fmt.Fprintf(w, "Redirect:    %s\n", out.RedirectURL)
	return nil
}

func signCmd() *cobra.Command {
	var (
		secret          string
		notificationURL string
	)

	cmd := &cobra.Command{
		Use:   "sign [body-file]",
		Short: "Print the X-Signature value for a webhook body (reads stdin without a file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			if secret == "" {
				secret = os.Getenv("CHECKOUT_WEBHOOK_SIGNING_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("signing secret required (--secret or CHECKOUT_WEBHOOK_SIGNING_SECRET)")
			}
			fmt.Fprintln(cmd.OutOrStdout(), webhook.NewVerifier(secret, notificationURL).Sign(body))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Webhook signing secret")
	cmd.Flags().StringVar(&notificationURL, "url", os.Getenv("CHECKOUT_WEBHOOK_NOTIFICATION_URL"), "Notification URL registered with the provider")

	return cmd
}
