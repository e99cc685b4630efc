package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"otc-settlement/internal/rfq"
)

var (
	rfqUser      string
	rfqAsset     string
	rfqNotional  string
	rfqSide      string
	rfqExpiresAt string
	rfqExpiresIn time.Duration

	quotePrice      string
	quoteSpread     string
	quoteProvider   string
	quoteValidUntil string
	quoteValidFor   time.Duration

	rfqActor string
)

var rfqCmd = &cobra.Command{
	Use:   "rfq",
	Short: "Request, price and accept quotes",
}

var rfqCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open an RFQ for a client",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID("user", rfqUser)
		if err != nil {
			return err
		}
		notional, err := parseDecimalFlag("notional", rfqNotional)
		if err != nil {
			return err
		}
		expiresAt, err := deadline("expires", rfqExpiresAt, rfqExpiresIn, time.Now())
		if err != nil {
			return err
		}
		_, err = getApp().CreateRFQ(cmd.Context(), rfq.CreateRFQInput{
			UserID:    userID,
			Asset:     rfqAsset,
			Notional:  notional,
			Side:      strings.ToLower(strings.TrimSpace(rfqSide)),
			ExpiresAt: expiresAt,
		})
		return err
	},
}

var rfqQuoteCmd = &cobra.Command{
	Use:   "quote <rfq-id>",
	Short: "Price an open RFQ",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rfqID, err := parseID("rfq", args[0])
		if err != nil {
			return err
		}
		price, err := parseDecimalFlag("price", quotePrice)
		if err != nil {
			return err
		}
		spread, err := parseDecimalFlag("spread-bps", quoteSpread)
		if err != nil {
			return err
		}
		provider, err := parseOptionalID("provider", quoteProvider)
		if err != nil {
			return err
		}
		validUntil, err := deadline("valid", quoteValidUntil, quoteValidFor, time.Now())
		if err != nil {
			return err
		}
		_, err = getApp().CreateQuote(cmd.Context(), rfq.CreateQuoteInput{
			RFQID:               rfqID,
			LiquidityProviderID: provider,
			Price:               price,
			SpreadBps:           spread,
			ValidUntil:          validUntil,
		})
		return err
	},
}

var rfqAcceptCmd = &cobra.Command{
	Use:   "accept <quote-id>",
	Short: "Accept a quote and settle the fill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quoteID, err := parseID("quote", args[0])
		if err != nil {
			return err
		}
		actorID, err := parseID("actor", rfqActor)
		if err != nil {
			return err
		}
		_, err = getApp().AcceptQuote(cmd.Context(), quoteID, actorID)
		return err
	},
}

var rfqCancelCmd = &cobra.Command{
	Use:   "cancel <rfq-id>",
	Short: "Cancel an RFQ that has not been accepted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("rfq", args[0])
		if err != nil {
			return err
		}
		actorID, err := parseID("actor", rfqActor)
		if err != nil {
			return err
		}
		return getApp().CancelRFQ(cmd.Context(), id, actorID)
	},
}

func init() {
	rfqCreateCmd.Flags().StringVar(&rfqUser, "user", "", "Requesting client user id")
	rfqCreateCmd.Flags().StringVar(&rfqAsset, "asset", "USDT", "Asset symbol")
	rfqCreateCmd.Flags().StringVar(&rfqNotional, "notional", "", "Notional amount")
	rfqCreateCmd.Flags().StringVar(&rfqSide, "side", "", "buy or sell")
	rfqCreateCmd.Flags().StringVar(&rfqExpiresAt, "expires-at", "", "Expiry (RFC3339 or YYYY-MM-DD); overrides --expires-in")
	rfqCreateCmd.Flags().DurationVar(&rfqExpiresIn, "expires-in", 15*time.Minute, "Expiry relative to now")

	rfqQuoteCmd.Flags().StringVar(&quotePrice, "price", "", "Quoted price")
	rfqQuoteCmd.Flags().StringVar(&quoteSpread, "spread-bps", "0", "Spread in basis points")
	rfqQuoteCmd.Flags().StringVar(&quoteProvider, "provider", "", "Liquidity provider id")
	rfqQuoteCmd.Flags().StringVar(&quoteValidUntil, "valid-at", "", "Quote deadline (RFC3339 or YYYY-MM-DD); overrides --valid-in")
	rfqQuoteCmd.Flags().DurationVar(&quoteValidFor, "valid-in", 2*time.Minute, "Quote validity relative to now")

	for _, cmd := range []*cobra.Command{rfqAcceptCmd, rfqCancelCmd} {
		cmd.Flags().StringVar(&rfqActor, "actor", "", "Acting user id")
	}

	rfqCmd.AddCommand(rfqCreateCmd, rfqQuoteCmd, rfqAcceptCmd, rfqCancelCmd)
}
