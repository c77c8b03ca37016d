package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"inkwell/engine/internal/app"
	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/textdiff"
)

// commitInput gathers the flags shared by commit and generated.
func commitInput(cmd *cobra.Command, project string) (app.CommitInput, error) {
	ref, err := parseRef(project)
	if err != nil {
		return app.CommitInput{}, err
	}
	name, _ := cmd.Flags().GetString("branch")
	expect, _ := cmd.Flags().GetString("expect")
	label, _ := cmd.Flags().GetString("label")
	file, _ := cmd.Flags().GetString("file")
	data, err := readContent(file)
	if err != nil {
		return app.CommitInput{}, err
	}
	return app.CommitInput{
		Project:      ref,
		Branch:       name,
		ExpectedHead: expect,
		Content:      data,
		Label:        label,
	}, nil
}

var commitCmd = &cobra.Command{
	Use:   "commit PROJECT",
	Short: "Commit new content on top of the expected head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := commitInput(cmd, args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			in.Author = actor
			v, err := svc.Commit(ctx, in)
			if err != nil {
				return err
			}
			return printJSON(app.NewVersionInfo(v))
		})
	},
}

var generatedCmd = &cobra.Command{
	Use:   "generated PROJECT",
	Short: "Commit machine-generated content with its attribution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := commitInput(cmd, args[0])
		if err != nil {
			return err
		}
		source, _ := cmd.Flags().GetString("source")
		model, _ := cmd.Flags().GetString("model")
		params, _ := cmd.Flags().GetStringToString("param")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			in.Author = actor
			v, err := svc.CommitGenerated(ctx, in, app.Attribution{Source: source, Model: model, Params: params})
			if err != nil {
				return err
			}
			return printJSON(app.NewVersionInfo(v))
		})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge PROJECT SOURCE",
	Short: "Replace the target branch content with the head of SOURCE",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("into")
		message, _ := cmd.Flags().GetString("message")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			res, err := svc.Merge(ctx, ref, args[1], target, actor, message)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"version":    app.NewVersionInfo(res.Version),
				"sourceHead": res.SourceHead,
				"targetHead": res.TargetHead,
				"divergent":  res.Divergent,
			})
		})
	},
}

var forkCmd = &cobra.Command{
	Use:   "fork PROJECT",
	Short: "Start the caller's side branch at the head of another branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		from, _ := cmd.Flags().GetString("from")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			head, err := svc.Fork(ctx, ref, actor, from)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"branch": branch.SideBranch(actor), "head": head})
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback PROJECT HASH",
	Short: "Commit the content of an earlier version as the new head",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("branch")
		expect, _ := cmd.Flags().GetString("expect")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			v, err := svc.Rollback(ctx, ref, name, actor, expect, args[1])
			if err != nil {
				return err
			}
			return printJSON(app.NewVersionInfo(v))
		})
	},
}

var branchesCmd = &cobra.Command{
	Use:   "branches PROJECT",
	Short: "List branches and their heads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			items, err := svc.Branches(ctx, ref, actor)
			if err != nil {
				return err
			}
			return printJSON(items)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history PROJECT",
	Short: "List the versions of a branch, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("branch")
		limit, _ := cmd.Flags().GetInt("limit")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			items, err := svc.History(ctx, ref, name, actor, limit)
			if err != nil {
				return err
			}
			return printJSON(items)
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show PROJECT",
	Short: "Print the content at a branch head or a given version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("branch")
		hash, _ := cmd.Flags().GetString("version")
		asJSON, _ := cmd.Flags().GetBool("json")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			var v branch.Version
			if hash != "" {
				v, err = svc.Version(ctx, ref, hash, actor)
			} else {
				v, err = svc.Head(ctx, ref, name, actor)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(map[string]any{
					"version": app.NewVersionInfo(v),
					"content": string(v.Content),
				})
			}
			_, err = os.Stdout.Write(v.Content)
			return err
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify PROJECT",
	Short: "Recompute every digest on a branch's version chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("branch")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			report, err := svc.Verify(ctx, ref, name, actor)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.OK() {
				return errdefs.Integrity(fmt.Sprintf("%d problems on %s", len(report.Problems), name), map[string]any{"branch": name})
			}
			return nil
		})
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare PROJECT FROM TO",
	Short: "Line diff between two versions",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		patch, _ := cmd.Flags().GetBool("patch")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			cmp, err := svc.Compare(ctx, ref, args[1], args[2], actor)
			if err != nil {
				return err
			}
			if !patch {
				return printJSON(cmp)
			}
			var b strings.Builder
			for _, h := range cmp.Hunks {
				prefix := "+"
				if h.Type == textdiff.ChangeDeleted {
					prefix = "-"
				}
				for _, line := range h.Lines {
					b.WriteString(prefix + line + "\n")
				}
			}
			_, err = os.Stdout.WriteString(b.String())
			return err
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{commitCmd, generatedCmd} {
		c.Flags().StringP("branch", "b", branch.Main, "Branch to commit to")
		c.Flags().StringP("expect", "e", "", "Head the commit must extend (empty for a new branch)")
		c.Flags().StringP("label", "l", "", "Version label")
		c.Flags().StringP("file", "f", "-", "Content file, - for stdin")
	}
	generatedCmd.Flags().String("source", "", "Generator that produced the content")
	generatedCmd.Flags().String("model", "", "Model used by the generator")
	generatedCmd.Flags().StringToString("param", nil, "Generation parameter key=value (repeatable)")

	mergeCmd.Flags().String("into", branch.Main, "Target branch")
	mergeCmd.Flags().StringP("message", "m", "", "Merge message")
	forkCmd.Flags().String("from", branch.Main, "Branch to start from")
	rollbackCmd.Flags().StringP("branch", "b", branch.Main, "Branch to roll back")
	rollbackCmd.Flags().StringP("expect", "e", "", "Current head of the branch")
	historyCmd.Flags().StringP("branch", "b", branch.Main, "Branch to walk")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of versions, 0 for all")
	showCmd.Flags().StringP("branch", "b", branch.Main, "Branch whose head to print")
	showCmd.Flags().String("version", "", "Version hash to print instead of a head")
	showCmd.Flags().Bool("json", false, "Print version fields and content as JSON")
	verifyCmd.Flags().StringP("branch", "b", branch.Main, "Branch to verify")
	compareCmd.Flags().Bool("patch", false, "Print +/- lines instead of JSON")

	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(generatedCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(forkCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(branchesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(compareCmd)
}
