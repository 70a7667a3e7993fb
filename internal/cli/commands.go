package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browser-agent/internal/client"
	"github.com/shehryarbajwa/browser-agent/pkg/models"
)

// argsFunc turns positional arguments and flags into command arguments.
type argsFunc func(cmd *cobra.Command, args []string) (models.Args, error)

func newClientCmds(o *options) []*cobra.Command {
	status := clientCmd(o, models.OpStatus, "status", "Show the current URL, title and session state", cobra.NoArgs, nil)

	navigate := clientCmd(o, models.OpNavigate, "navigate URL", "Navigate the browser to URL", cobra.ExactArgs(1),
		func(cmd *cobra.Command, args []string) (models.Args, error) {
			timeout, _ := cmd.Flags().GetInt("timeout")
			return models.Args{URL: args[0], Timeout: timeout}, nil
		})
	navigate.Flags().Int("timeout", 0, "navigation timeout in milliseconds")

	execute := clientCmd(o, models.OpExecute, "execute SCRIPT", "Evaluate JavaScript in the page", cobra.ExactArgs(1),
		func(cmd *cobra.Command, args []string) (models.Args, error) {
			return models.Args{Script: args[0]}, nil
		})

	dom := clientCmd(o, models.OpDOM, "dom [SELECTOR]", "Print the inner HTML of an element (default body)", cobra.MaximumNArgs(1),
		func(cmd *cobra.Command, args []string) (models.Args, error) {
			if len(args) == 0 {
				return models.Args{}, nil
			}
			return models.Args{Selector: args[0]}, nil
		})

	screenshot := clientCmd(o, models.OpScreenshot, "screenshot", "Save a PNG screenshot of the page", cobra.NoArgs,
		func(cmd *cobra.Command, args []string) (models.Args, error) {
			name, _ := cmd.Flags().GetString("name")
			full, _ := cmd.Flags().GetBool("full-page")
			return models.Args{Name: name, FullPage: full}, nil
		})
	screenshot.Flags().String("name", "", "file name inside the screenshot directory")
	screenshot.Flags().Bool("full-page", false, "capture the full scrollable page")

	consoleCmd := clientCmd(o, models.OpConsole, "console", "Show recent browser console messages", cobra.NoArgs,
		func(cmd *cobra.Command, args []string) (models.Args, error) {
			limit, _ := cmd.Flags().GetInt("limit")
			return models.Args{Limit: limit}, nil
		})
	consoleCmd.Flags().Int("limit", 0, "how many entries to show (default 20)")

	wait := clientCmd(o, models.OpWait, "wait SELECTOR", "Wait until an element is attached", cobra.ExactArgs(1),
		func(cmd *cobra.Command, args []string) (models.Args, error) {
			timeout, _ := cmd.Flags().GetInt("timeout")
			return models.Args{Selector: args[0], Timeout: timeout}, nil
		})
	wait.Flags().Int("timeout", 10000, "timeout in milliseconds")

	fill := clientCmd(o, models.OpFill, "fill SELECTOR VALUE", "Fill an input element", cobra.ExactArgs(2),
		func(cmd *cobra.Command, args []string) (models.Args, error) {
			return models.Args{Selector: args[0], Value: models.String(args[1])}, nil
		})

	click := clientCmd(o, models.OpClick, "click SELECTOR", "Click an element", cobra.ExactArgs(1),
		func(cmd *cobra.Command, args []string) (models.Args, error) {
			return models.Args{Selector: args[0]}, nil
		})

	clickAt := clientCmd(o, models.OpClickAt, "click-at X Y", "Click at viewport coordinates", cobra.ExactArgs(2),
		func(cmd *cobra.Command, args []string) (models.Args, error) {
			x, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return models.Args{}, fmt.Errorf("invalid x %q", args[0])
			}
			y, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return models.Args{}, fmt.Errorf("invalid y %q", args[1])
			}
			return models.Args{X: models.Float(x), Y: models.Float(y)}, nil
		})

	cmds := []*cobra.Command{status, navigate, execute, dom, screenshot, consoleCmd, wait, fill, click, clickAt}

	for _, v := range []struct {
		op    models.Op
		short string
	}{
		{models.OpVisualize, "List interactive elements with their click coordinates"},
		{models.OpDetect, "Run the object detection model over a screenshot"},
		{models.OpSegment, "Run the segmentation model over a screenshot"},
	} {
		c := clientCmd(o, v.op, string(v.op), v.short, cobra.NoArgs,
			func(cmd *cobra.Command, args []string) (models.Args, error) {
				name, _ := cmd.Flags().GetString("name")
				withCSV, _ := cmd.Flags().GetBool("csv")
				if noCSV, _ := cmd.Flags().GetBool("no-csv"); noCSV {
					withCSV = false
				}
				return models.Args{Name: name, CSV: models.Bool(withCSV)}, nil
			})
		c.Flags().String("name", "", "screenshot file name")
		c.Flags().Bool("csv", true, "include the element table as CSV")
		c.Flags().Bool("no-csv", false, "omit the element table")
		cmds = append(cmds, c)
	}
	return cmds
}

func clientCmd(o *options, op models.Op, use, short string, posArgs cobra.PositionalArgs, build argsFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  posArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var a models.Args
			if build != nil {
				var err error
				if a, err = build(cmd, args); err != nil {
					return err
				}
			}

			cfg, err := o.config()
			if err != nil {
				return err
			}
			res, err := client.New(cfg.ServerURL, 0).Run(cmd.Context(), models.Command{Op: op, Args: a})
			if err != nil {
				return err
			}
			return writeResult(cmd, res)
		},
	}
}

func writeResult(cmd *cobra.Command, res models.Result) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return ErrCommandFailed
	}
	return nil
}
