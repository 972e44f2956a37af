package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"chatbridge/internal/session"
	"chatbridge/internal/transport"

	"github.com/fatih/color"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

func qrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "qr <payload>",
		Short: "Render a WhatsApp QR challenge in the terminal",
		Long:  "Renders the challenge value returned by POST /api/whatsapp/sessions so it can be scanned from a phone.",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			renderQR(os.Stdout, strings.Join(args, " "))
		},
	}
}

func renderQR(w io.Writer, payload string) {
	qrterminal.GenerateHalfBlock(payload, qrterminal.L, w)
}

// challengePrinter shows authentication challenges on the operator's
// terminal as sessions are created.
type challengePrinter struct{}

func (challengePrinter) SessionChanged(_ context.Context, c session.Change) {
	if c.Challenge == nil {
		return
	}
	yellow := color.New(color.FgYellow)
	switch c.Challenge.Kind {
	case transport.ChallengeQR:
		yellow.Fprintf(os.Stderr, "\nScan to link %s session %s (account %s):\n", c.Channel, c.SessionID, c.AccountID)
		renderQR(os.Stderr, c.Challenge.Value)
	case transport.ChallengePairingCode:
		yellow.Fprintf(os.Stderr, "\nPairing code for %s session %s: ", c.Channel, c.SessionID)
		fmt.Fprintln(os.Stderr, c.Challenge.Value)
	case transport.ChallengePhoneCode:
		yellow.Fprintf(os.Stderr, "\nA login code was sent to the phone of %s session %s; submit it to the verify endpoint.\n", c.Channel, c.SessionID)
	}
}
