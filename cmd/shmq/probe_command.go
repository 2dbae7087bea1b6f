package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"shmq/internal/client"
	"shmq/internal/ipc"
	"shmq/internal/logging"
	"shmq/internal/texstore"
)

type probeOptions struct {
	address string
	texture uint32
	level   int32
	size    uint64
	seed    uint8
	timeout time.Duration
	keep    bool
}

type probeStep struct {
	name   string
	detail string
	took   time.Duration
}

func newProbeCommand(ctx *commandContext) *cobra.Command {
	opts := probeOptions{texture: 7}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a client round trip against the host",
		Long: "Connect to the rendezvous endpoint, allocate a shared-memory segment, " +
			"fill it with a byte pattern and upload it as one texture level.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveProbeTarget(ctx, &opts); err != nil {
				return err
			}
			runCtx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			steps, err := runProbe(runCtx, opts, ctx.logger())
			stdout := cmd.OutOrStdout()
			rows := make([][]string, 0, len(steps))
			for _, step := range steps {
				rows = append(rows, []string{step.name, step.detail, step.took.Round(time.Microsecond).String()})
			}
			fmt.Fprint(stdout, renderTable([]string{"Step", "Detail", "Took"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight}))
			if err != nil {
				return fmt.Errorf("probe failed: %w", err)
			}
			fmt.Fprintf(stdout, "Probe succeeded: texture %d level %d updated with %s\n",
				opts.texture, opts.level, humanize.IBytes(opts.size))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.address, "address", "", "Rendezvous address (defaults to the running daemon's)")
	cmd.Flags().Uint32Var(&opts.texture, "texture", opts.texture, "Texture resource id to update")
	cmd.Flags().Int32Var(&opts.level, "level", 0, "Mip level to update")
	cmd.Flags().Uint64Var(&opts.size, "size", 0, "Bytes to upload (defaults to the level size)")
	cmd.Flags().Uint8Var(&opts.seed, "seed", 0, "First byte of the fill pattern")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Overall probe deadline")
	cmd.Flags().BoolVar(&opts.keep, "keep", false, "Leave the segment registered after the update")
	return cmd
}

// resolveProbeTarget fills the address and upload size from the daemon when
// they were not given on the command line.
func resolveProbeTarget(ctx *commandContext, opts *probeOptions) error {
	if opts.address != "" && opts.size > 0 {
		return nil
	}
	return ctx.withClient(func(c *ipc.Client) error {
		status, err := c.Status()
		if err != nil {
			return err
		}
		if opts.address == "" {
			if !status.Running || status.Address == "" {
				return errors.New("daemon queue is not running; run `shmq start` first")
			}
			opts.address = status.Address
		}
		if opts.size > 0 {
			return nil
		}
		for _, tex := range status.Textures {
			if tex.ID != opts.texture {
				continue
			}
			format, err := texstore.ParseFormat(tex.Format)
			if err != nil {
				return err
			}
			def := texstore.Texture{ID: tex.ID, Width: tex.Width, Height: tex.Height, Format: format, Levels: tex.Levels}
			size, err := def.LevelSize(opts.level)
			if err != nil {
				return err
			}
			opts.size = uint64(size)
			return nil
		}
		return fmt.Errorf("texture %d is not defined; see `shmq textures`", opts.texture)
	})
}

func runProbe(ctx context.Context, opts probeOptions, logger *slog.Logger) ([]probeStep, error) {
	var steps []probeStep
	step := func(name string, fn func() (string, error)) error {
		start := time.Now()
		detail, err := fn()
		if err != nil {
			detail = "error: " + strings.TrimSpace(err.Error())
		}
		steps = append(steps, probeStep{name: name, detail: detail, took: time.Since(start)})
		return err
	}

	var conn *client.Client
	if err := step("connect", func() (string, error) {
		var err error
		conn, err = client.Dial(ctx, opts.address, client.Options{Logger: logging.NewComponentLogger(logger, "probe")})
		if err != nil {
			return "", err
		}
		return conn.Address(), nil
	}); err != nil {
		return steps, err
	}
	defer conn.Close()

	var seg *client.Segment
	if err := step("allocate", func() (string, error) {
		var err error
		seg, err = conn.AllocateSharedMemory(ctx, opts.size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("segment %d, %s", seg.ID, humanize.IBytes(seg.Size)), nil
	}); err != nil {
		return steps, err
	}
	defer seg.Close()

	if err := step("write", func() (string, error) {
		mem, err := seg.Map()
		if err != nil {
			return "", err
		}
		fillPattern(mem, opts.seed)
		return fmt.Sprintf("pattern seed %d", opts.seed), nil
	}); err != nil {
		return steps, err
	}

	if err := step("update", func() (string, error) {
		if err := conn.UpdateTexture2D(ctx, opts.texture, opts.level, seg.ID, 0, opts.size); err != nil {
			return "", err
		}
		return fmt.Sprintf("texture %d level %d", opts.texture, opts.level), nil
	}); err != nil {
		return steps, err
	}

	if opts.keep {
		return steps, nil
	}
	err := step("unregister", func() (string, error) {
		if err := conn.UnregisterSharedMemory(ctx, seg.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("segment %d", seg.ID), nil
	})
	return steps, err
}

func fillPattern(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = seed + byte(i)
	}
}
