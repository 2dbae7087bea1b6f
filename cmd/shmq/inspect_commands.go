package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"shmq/internal/ipc"
)

func newChannelsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List live private channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Channels()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Channels)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Channels) == 0 {
					fmt.Fprintln(stdout, "No channels connected")
					return nil
				}
				now := time.Now()
				rows := make([][]string, 0, len(resp.Channels))
				for _, ch := range resp.Channels {
					rows = append(rows, []string{
						strconv.FormatUint(ch.ID, 10),
						ch.State,
						formatSegmentIDs(ch.Owned),
						humanize.Comma(int64(ch.Requests)),
						humanize.Comma(int64(ch.Failures)),
						humanize.RelTime(ch.LastActive, now, "ago", "from now"),
					})
				}
				fmt.Fprint(stdout, renderTable(
					[]string{"ID", "State", "Segments", "Requests", "Failures", "Last Active"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newSegmentsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "segments",
		Short: "List registered shared-memory segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Segments()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Segments)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Segments) == 0 {
					fmt.Fprintln(stdout, "No segments registered")
					return nil
				}
				rows := make([][]string, 0, len(resp.Segments))
				var total uint64
				for _, seg := range resp.Segments {
					total += seg.Size
					rows = append(rows, []string{
						strconv.FormatInt(int64(seg.ID), 10),
						humanize.IBytes(seg.Size),
						seg.Origin,
						segmentOwner(seg.Owner),
						yesNo(seg.Mapped),
						humanize.Time(seg.CreatedAt),
					})
				}
				fmt.Fprint(stdout, renderTable(
					[]string{"ID", "Size", "Origin", "Owner", "Mapped", "Created"},
					rows,
					[]columnAlignment{alignRight, alignRight, alignLeft, alignRight, alignLeft, alignLeft},
				))
				fmt.Fprintf(stdout, "%d segments, %s total\n", len(resp.Segments), humanize.IBytes(total))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.AddCommand(newSegmentReleaseCommand(ctx))
	return cmd
}

func newSegmentReleaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Unregister a segment, including one orphaned by a closed channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid segment id %q: %w", args[0], err)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.ReleaseSegment(int32(id)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Segment %d released\n", id)
				return nil
			})
		},
	}
}

// segmentOwner renders the owning channel; 0 marks a segment whose channel
// has closed.
func segmentOwner(owner uint64) string {
	if owner == 0 {
		return "orphaned"
	}
	return strconv.FormatUint(owner, 10)
}

func newTexturesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "textures",
		Aliases: []string{"texture"},
		Short:   "List textures in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Textures()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Textures)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Textures) == 0 {
					fmt.Fprintln(stdout, "No textures defined")
					return nil
				}
				fmt.Fprint(stdout, renderTable(
					[]string{"ID", "Size", "Format", "Levels", "Written"},
					textureRows(resp.Textures),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.AddCommand(newTextureDefineCommand(ctx))
	return cmd
}

func newTextureDefineCommand(ctx *commandContext) *cobra.Command {
	var tex ipc.Texture
	cmd := &cobra.Command{
		Use:   "define <id>",
		Short: "Create or redefine a texture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid texture id %q: %w", args[0], err)
			}
			tex.ID = uint32(id)
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.DefineTexture(tex); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Texture %d defined (%dx%d %s, %d levels)\n",
					tex.ID, tex.Width, tex.Height, tex.Format, tex.Levels)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&tex.Width, "width", 128, "Width in pixels of level 0")
	cmd.Flags().IntVar(&tex.Height, "height", 128, "Height in pixels of level 0")
	cmd.Flags().StringVar(&tex.Format, "format", "ARGB8", "Pixel format (ARGB8, XRGB8, R32F, ...)")
	cmd.Flags().IntVar(&tex.Levels, "levels", 1, "Number of mip levels")
	return cmd
}

func formatSegmentIDs(ids []int32) string {
	if len(ids) == 0 {
		return "-"
	}
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatInt(int64(id), 10)
	}
	return out
}
