package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mybop/gae-channel-go/pkg/talk"
)

func decodeCmd() *cobra.Command {
	var (
		skipPrelude bool
		tree        bool
	)

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode length-prefixed frames read from stdin",
		Long: `decode reads a captured bind response from stdin, splits it into
length-prefixed submissions and prints each parsed frame on its own line.

Frames are printed in canonical form, or as an indented tree with --tree.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())
			if skipPrelude {
				if _, err := in.ReadString('\n'); err != nil {
					return fmt.Errorf("skip prelude: %w", err)
				}
			}
			return decodeFrames(in, cmd.OutOrStdout(), tree)
		},
	}

	cmd.Flags().BoolVar(&skipPrelude, "skip-prelude", false, "Discard the first line before decoding")
	cmd.Flags().BoolVar(&tree, "tree", false, "Print frames as indented trees")
	return cmd
}

func decodeFrames(r io.Reader, w io.Writer, tree bool) error {
	reader := talk.NewReader(r)
	for {
		msg, err := reader.ReadMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if tree {
			var b strings.Builder
			writeTree(&b, msg, 0)
			fmt.Fprint(w, b.String())
			continue
		}
		fmt.Fprintln(w, msg.String())
	}
}

func writeTree(b *strings.Builder, msg *talk.Message, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent + "[\n")
	for _, e := range msg.Entries() {
		switch e.Kind() {
		case talk.KindMessage:
			child, _ := e.Message()
			writeTree(b, child, depth+1)
		case talk.KindEmpty:
			b.WriteString(indent + "  EMPTY\n")
		default:
			b.WriteString(indent + "  " + e.Kind().String() + " " + e.String() + "\n")
		}
	}
	b.WriteString(indent + "]\n")
}
