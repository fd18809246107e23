package main

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/scrollstitch/compose"
	"github.com/hazyhaar/scrollstitch/overlap"
	"github.com/hazyhaar/scrollstitch/pyramid"
	"github.com/hazyhaar/scrollstitch/raster"
)

func newStitchCommand(flags *rootFlags) *cobra.Command {
	var out string
	var tilesDir string
	cmd := &cobra.Command{
		Use:   "stitch -o out.png frame1.png frame2.png ...",
		Short: "Compose frame files, in scroll order, into one image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			frames := make(compose.Frames, 0, len(args))
			for _, path := range args {
				img, err := raster.LoadFile(path)
				if err != nil {
					return err
				}
				frames = append(frames, img)
			}
			logger := slog.Default()
			c := compose.New(overlap.New(cfg.Stitch.Overlap), cfg.Stitch.Compose, compose.WithLogger(logger))
			img, plan, err := c.Compose(cmd.Context(), frames)
			if err != nil {
				return err
			}
			if err := raster.SaveFile(out, img, raster.FormatPNG, 0); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d from %d frames (%d fallbacks, %s)\n",
				out, plan.Width, plan.Height, len(frames), plan.Fallbacks, humanize.IBytes(plan.SizeBytes()))

			if tilesDir == "" {
				return nil
			}
			gen, err := pyramid.New(cfg.Tiles, logger)
			if err != nil {
				return err
			}
			man, err := gen.GenerateImage(cmd.Context(), img, tilesDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d levels, %d tiles\n", tilesDir, len(man.Levels), man.TileCount())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "stitched.png", "composed image path")
	cmd.Flags().StringVar(&tilesDir, "tiles", "", "also build a tile pyramid into this directory")
	return cmd
}

func newTileCommand(flags *rootFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "tile -o dir image.png",
		Short: "Build a tile pyramid from an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			img, err := raster.LoadFile(args[0])
			if err != nil {
				return err
			}
			gen, err := pyramid.New(cfg.Tiles, slog.Default())
			if err != nil {
				return err
			}
			man, err := gen.GenerateImage(cmd.Context(), img, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d, %d levels, %d tiles\n",
				out, man.Width, man.Height, len(man.Levels), man.TileCount())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "tiles", "tile directory")
	return cmd
}
