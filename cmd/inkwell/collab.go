package main

import (
	"context"

	"github.com/spf13/cobra"

	"inkwell/engine/internal/app"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/store"
)

func parseRole(arg string) (rbac.Role, error) {
	role, ok := rbac.Parse(arg)
	if !ok {
		return "", errdefs.InvalidArgument("unknown role "+arg, map[string]any{"role": arg})
	}
	return role, nil
}

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Manage project collaborators",
}

var teamListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List collaborators and their roles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			members, err := svc.Team(ctx, ref, actor)
			if err != nil {
				return err
			}
			return printJSON(members)
		})
	},
}

var teamGrantCmd = &cobra.Command{
	Use:   "grant PROJECT USER ROLE",
	Short: "Grant Viewer, Analyst, Editor or CoDeveloper",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		role, err := parseRole(args[2])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			granted, err := svc.Grant(ctx, ref, actor, args[1], role)
			if err != nil {
				return err
			}
			return printJSON(app.Member{User: args[1], Role: granted})
		})
	},
}

var teamRevokeCmd = &cobra.Command{
	Use:   "revoke PROJECT USER",
	Short: "Remove a collaborator",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			return svc.Revoke(ctx, ref, actor, args[1])
		})
	},
}

var roleCmd = &cobra.Command{
	Use:   "role PROJECT [USER]",
	Short: "Show the effective role of a user (default: the caller)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			user := actor
			if len(args) == 2 {
				user = args[1]
			}
			role, err := svc.EffectiveRole(ctx, ref, user)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"user": user, "role": role})
		})
	},
}

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Issue and redeem share links",
}

var linkIssueCmd = &cobra.Command{
	Use:   "issue PROJECT ROLE",
	Short: "Issue a share link granting ROLE; the token is shown once",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		role, err := parseRole(args[1])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			issued, err := svc.IssueLink(ctx, ref, actor, role)
			if err != nil {
				return err
			}
			issued.Link.TokenDigest = ""
			return printJSON(issued)
		})
	},
}

var linkRedeemCmd = &cobra.Command{
	Use:   "redeem TOKEN",
	Short: "Join a project through a share link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			role, err := svc.RedeemLink(ctx, args[0], actor)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"user": actor, "role": role})
		})
	},
}

var linkDeactivateCmd = &cobra.Command{
	Use:   "deactivate TOKEN | deactivate PROJECT --id LINK_ID",
	Short: "Deactivate a share link by token or by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			if id == "" {
				return svc.DeactivateLink(ctx, args[0], actor)
			}
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return svc.DeactivateLinkByID(ctx, ref, id, actor)
		})
	},
}

var linkListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List the share links of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			links, err := svc.ListLinks(ctx, ref, actor)
			if err != nil {
				return err
			}
			return printJSON(links)
		})
	},
}

var metaCmd = &cobra.Command{
	Use:   "meta PROJECT",
	Short: "Show derived metadata: word count, reading time, collaborators, engagement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		refresh, _ := cmd.Flags().GetBool("refresh")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			var m store.Metadata
			if refresh {
				m, err = svc.RefreshMetadata(ctx, ref, actor)
			} else {
				m, err = svc.Metadata(ctx, ref, actor)
			}
			if err != nil {
				return err
			}
			return printJSON(m)
		})
	},
}

var engagementCmd = &cobra.Command{
	Use:   "engagement",
	Short: "Read or record engagement figures",
}

var engagementShowCmd = &cobra.Command{
	Use:   "show PROJECT",
	Short: "Show engagement figures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			e, err := svc.Engagement(ctx, ref, actor)
			if err != nil {
				return err
			}
			return printJSON(e)
		})
	},
}

var engagementRecordCmd = &cobra.Command{
	Use:   "record PROJECT",
	Short: "Record figures reported by the analytics collaborator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		likes, _ := flags.GetInt("likes")
		comments, _ := flags.GetInt("comments")
		shares, _ := flags.GetInt("shares")
		score, _ := flags.GetFloat64("score")
		reach, _ := flags.GetString("reach")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			e, err := svc.RecordEngagement(ctx, ref, actor, store.Engagement{
				Likes:          likes,
				Comments:       comments,
				Shares:         shares,
				Score:          score,
				PredictedReach: reach,
			})
			if err != nil {
				return err
			}
			return printJSON(e)
		})
	},
}

func init() {
	teamCmd.AddCommand(teamListCmd)
	teamCmd.AddCommand(teamGrantCmd)
	teamCmd.AddCommand(teamRevokeCmd)

	linkCmd.AddCommand(linkIssueCmd)
	linkCmd.AddCommand(linkRedeemCmd)
	linkCmd.AddCommand(linkDeactivateCmd)
	linkCmd.AddCommand(linkListCmd)
	linkDeactivateCmd.Flags().String("id", "", "Link id; the argument is then the project")

	metaCmd.Flags().Bool("refresh", false, "Recompute before printing")

	engagementCmd.AddCommand(engagementShowCmd)
	engagementCmd.AddCommand(engagementRecordCmd)
	engagementRecordCmd.Flags().Int("likes", 0, "Likes")
	engagementRecordCmd.Flags().Int("comments", 0, "Comments")
	engagementRecordCmd.Flags().Int("shares", 0, "Shares")
	engagementRecordCmd.Flags().Float64("score", 0, "Engagement score")
	engagementRecordCmd.Flags().String("reach", "", "Predicted reach: Low, Medium, High or Viral")

	rootCmd.AddCommand(teamCmd)
	rootCmd.AddCommand(roleCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(engagementCmd)
}
