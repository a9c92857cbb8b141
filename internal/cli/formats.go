package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/compval/internal/format"
)

// FormatsOptions holds flags for the formats command.
type FormatsOptions struct {
	*RootOptions
	File string
}

// FormatInfo is one row of the format table.
type FormatInfo struct {
	Code     string  `json:"code"`
	BPP      float64 `json:"bpp"`
	YUV      bool    `json:"yuv"`
	MinCrop  string  `json:"min_crop"`
	Align    string  `json:"align"`
	MinFrame string  `json:"min_frame"`
}

// NewFormatsCommand creates the formats command.
func NewFormatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FormatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List pixel format rules",
		Long: `List the pixel format rules used for crop alignment, minimum sizes
and buffer sizing.

The built-in table can be extended or overridden with a CUE file whose
"formats" struct is unified on top of it.

Examples:
  compval formats
  compval formats --formats ./panel.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFormats(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "formats", "", "CUE file unified over the built-in rules")
	return cmd
}

func runFormats(opts *FormatsOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	rules, err := format.Load(opts.File)
	if err != nil {
		_ = f.Error(ErrCodeInvalid, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load format rules", err)
	}

	infos := formatInfos(rules)
	if f.JSON() {
		return f.Respond(infos, "", nil)
	}
	rows := make([][]string, len(infos))
	for i, fi := range infos {
		rows[i] = []string{
			fi.Code, strconv.FormatFloat(fi.BPP, 'g', -1, 64), strconv.FormatBool(fi.YUV),
			fi.MinCrop, fi.Align, fi.MinFrame,
		}
	}
	return f.Table([]string{"FORMAT", "BPP", "YUV", "MIN CROP", "ALIGN", "MIN FRAME"}, rows)
}

func formatInfos(rules *format.Rules) []FormatInfo {
	codes := rules.Codes()
	infos := make([]FormatInfo, 0, len(codes))
	for _, code := range codes {
		r, _ := rules.Lookup(code)
		infos = append(infos, FormatInfo{
			Code:     string(code),
			BPP:      r.BPP,
			YUV:      r.YUV,
			MinCrop:  fmt.Sprintf("%dx%d", r.MinCrop.W, r.MinCrop.H),
			Align:    fmt.Sprintf("%dx%d", r.Align.X, r.Align.Y),
			MinFrame: fmt.Sprintf("%dx%d", r.MinFrame.W, r.MinFrame.H),
		})
	}
	return infos
}
