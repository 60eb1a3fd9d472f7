package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/tingold/regionview"
)

var probeCmd = &cobra.Command{
	Use:   "probe <location>",
	Short: "Print the size and resolution levels of an image, or list an archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(_ *cobra.Command, args []string) error {
	location := args[0]

	if regionview.IsArchive(location) {
		names, err := regionview.ListArchiveImages(location)
		if err != nil {
			return err
		}
		fmt.Printf("  %s: %d images\n", location, len(names))
		for _, name := range names {
			fmt.Printf("    %s:%s\n", location, name)
		}
		return nil
	}

	src, err := regionview.OpenSource(location, nil, cfg)
	if err != nil {
		return err
	}

	opener := regionview.NewAutoOpener(cfg)
	opener.SetLogger(logger)
	w, h, err := opener.Probe(src)
	if err != nil {
		src.Close()
		return fmt.Errorf("probe %s: %w", location, err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		src.Close()
		return fmt.Errorf("rewind %s: %w", location, err)
	}
	dec, err := opener.Open(src)
	if err != nil {
		src.Close()
		return fmt.Errorf("open %s: %w", location, err)
	}
	defer dec.Close()

	fmt.Printf("  Source:  %s\n", src.Name())
	fmt.Printf("  Size:    %d x %d\n", w, h)
	if td, ok := dec.(*regionview.TIFFDecoder); ok {
		fmt.Println("  Levels:")
		for i, lvl := range td.Levels() {
			fmt.Printf("    %d  %6d x %-6d\n", i, lvl.X, lvl.Y)
		}
	}
	return nil
}
