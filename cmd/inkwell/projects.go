package main

import (
	"context"

	"github.com/spf13/cobra"

	"inkwell/engine/internal/app"
	"inkwell/engine/internal/store"
)

var createCmd = &cobra.Command{
	Use:   "create FOLDER TITLE",
	Short: "Create a project and commit its initial content to main",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		data, err := readContent(file)
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			summary, v, err := svc.CreateProject(ctx, app.CreateProjectInput{
				Folder:  args[0],
				Title:   args[1],
				Content: data,
				Tags:    tags,
				Author:  actor,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"project": summary, "head": v.Hash})
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List readable projects, most recently modified first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		folder, _ := cmd.Flags().GetString("folder")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			projects, err := svc.ListProjects(ctx, actor, folder)
			if err != nil {
				return err
			}
			return printJSON(projects)
		})
	},
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List folders holding readable projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			folders, err := svc.Folders(ctx, actor)
			if err != nil {
				return err
			}
			return printJSON(folders)
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info PROJECT",
	Short: "Show a project and the caller's role in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			summary, err := svc.Project(ctx, ref, actor)
			if err != nil {
				return err
			}
			return printJSON(summary)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status PROJECT STATUS",
	Short: "Move a project through Idea, Draft, Review, Approval, Publication, Archival",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			summary, err := svc.SetStatus(ctx, ref, actor, store.Status(args[1]))
			if err != nil {
				return err
			}
			return printJSON(summary)
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive PROJECT",
	Short: "Archive a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			summary, err := svc.Archive(ctx, ref, actor)
			if err != nil {
				return err
			}
			return printJSON(summary)
		})
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags PROJECT [TAG...]",
	Short: "Replace the tags of a project",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			summary, err := svc.SetTags(ctx, ref, actor, args[1:])
			if err != nil {
				return err
			}
			return printJSON(summary)
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search TEXT",
	Short: "Full-text search over the main heads of readable projects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		folder, _ := cmd.Flags().GetString("folder")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		return withService(cmd, func(ctx context.Context, svc *app.Service, actor string) error {
			resp, err := svc.Search(ctx, actor, app.SearchInput{
				Text:   args[0],
				Folder: folder,
				Status: store.Status(status),
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}
			return printJSON(resp)
		})
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from primary storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := newService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		svc.Reindex(cmd.Context())
		return nil
	},
}

func init() {
	createCmd.Flags().StringP("file", "f", "", "Initial content file, - for stdin")
	createCmd.Flags().StringSliceP("tag", "t", nil, "Tag (repeatable)")
	listCmd.Flags().String("folder", "", "Only list this folder")
	searchCmd.Flags().String("folder", "", "Only search this folder")
	searchCmd.Flags().String("status", "", "Only match projects in this status")
	searchCmd.Flags().IntP("limit", "n", 20, "Maximum number of results")
	searchCmd.Flags().Int("offset", 0, "Results to skip")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(foldersCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(reindexCmd)
}
