package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aretw0/transfer/internal/client"
	"github.com/gabriel-vasile/mimetype"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var pushCmd = &cobra.Command{
	Use:   "push <file>...",
	Short: "Upload files to a transfer server",
	Long: `Uploads each file as a raw body and prints the download URL the server returns.
On a terminal each URL is labelled with its file name; when piped, only URLs are printed.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
	pushCmd.Flags().String("server", "http://localhost:8080", "Base URL of the transfer server")
	pushCmd.Flags().String("name", "", "Stored file name (single file only; defaults to the base name)")
}

func runPush(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	name, _ := cmd.Flags().GetString("name")
	if name != "" && len(args) > 1 {
		return fmt.Errorf("--name can only be used with a single file")
	}

	c := client.New(server)
	p := newPrinter(cmd.OutOrStdout())
	for _, path := range args {
		fileName := name
		if fileName == "" {
			fileName = filepath.Base(path)
		}
		if err := pushFile(cmd, c, p, path, fileName); err != nil {
			return err
		}
	}
	return nil
}

// printer writes pushed URLs, labelled and styled on a terminal and bare otherwise.
type printer struct {
	out         *termenv.Output
	interactive bool
}

func newPrinter(w io.Writer) *printer {
	interactive := false
	if f, ok := w.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &printer{out: termenv.NewOutput(w), interactive: interactive}
}

func (p *printer) print(fileName, url string) {
	if !p.interactive {
		fmt.Fprintln(p.out, url)
		return
	}
	fmt.Fprintf(p.out, "%s  %s\n", p.out.String(fileName).Bold(), p.out.String(url).Underline())
}

func pushFile(cmd *cobra.Command, c *client.Client, p *printer, path, fileName string) error {
	contentType := ""
	if mt, err := mimetype.DetectFile(path); err == nil {
		contentType = mt.String()
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	result, err := c.Push(cmd.Context(), fileName, contentType, f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, part := range result.Part {
		p.print(part.FileName, part.URL)
	}
	return nil
}
