package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/audience"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/segment"
	"github.com/spf13/cobra"
)

func newCreateAudiencesCmd(a *app) *cobra.Command {
	var manifest string

	cmd := &cobra.Command{
		Use:   "create-audiences <segments.csv>",
		Short: "Create one audience per input row from the template list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequireTemplate(); err != nil {
				return err
			}
			targets, err := segment.ReadTargets(args[0])
			if err != nil {
				return err
			}
			names := make([]string, 0, len(targets))
			for _, t := range targets {
				if t.ListName == "" {
					return fmt.Errorf("segment %s has no %q", t.ID, segment.ColumnListName)
				}
				names = append(names, t.ListName)
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			tpl, err := audience.LoadTemplate(cmd.Context(), c, a.cfg.TemplateListID)
			if err != nil {
				return err
			}

			created, createErr := audience.CreateAll(cmd.Context(), c, tpl, names)

			path := filepath.Join(a.cfg.WorkDir, manifest)
			f, err := os.Create(path)
			if err != nil {
				return errors.Join(createErr, err)
			}
			writeErr := audience.WriteManifest(f, a.runID, created)
			if err := f.Close(); writeErr == nil {
				writeErr = err
			}
			if err := errors.Join(createErr, writeErr); err != nil {
				return err
			}

			for _, au := range created {
				fmt.Fprintf(a.out, "%s\t%s\n", au.ID, au.Name)
			}
			a.logger.Info().Int("audiences", len(created)).Str("file", path).Msg("Audiences created")
			return nil
		},
	}

	cmd.Flags().StringVar(&manifest, "manifest", audience.ManifestFile, "run manifest file name inside the work directory")
	cmd.Flags().String("template-list-id", "", "list whose settings and merge fields are copied")
	_ = a.v.BindPFlag("template_list_id", cmd.Flags().Lookup("template-list-id"))
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var (
		manifest string
		dir      string
		wait     bool
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   "import <segments.csv>",
		Short: "Import deduplicated segment files into the audiences of the run manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := segment.ReadTargets(args[0])
			if err != nil {
				return err
			}
			audiences, err := readManifest(filepath.Join(a.cfg.WorkDir, manifest))
			if err != nil {
				return err
			}
			if len(audiences) < len(targets) {
				return fmt.Errorf("manifest lists %d audiences for %d segments", len(audiences), len(targets))
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			im := audience.NewImporter(batch.NewSubmitter(c), a.poller(c))

			for i, t := range targets {
				au, err := audience.Get(cmd.Context(), c, audiences[i].ID)
				if err != nil {
					return err
				}
				file := filepath.Join(dir, dataset.FileName(t.Name))
				fmt.Fprintf(a.out, "Will write members of %s to audience %s (%s)\n", file, au.Name, au.ID)

				if !yes {
					ok, err := a.confirm("Continue?")
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(a.out, "Skipped")
						continue
					}
				}

				job, err := im.Import(cmd.Context(), au.ID, file, wait)
				if job == nil && err == nil {
					fmt.Fprintln(a.out, "Nothing to import")
					continue
				}
				if job != nil {
					fmt.Fprintf(a.out, "Batch %s\t%s\n", job.ID, job.Status)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&manifest, "manifest", audience.ManifestFile, "run manifest file name inside the work directory")
	cmd.Flags().StringVar(&dir, "dir", "All_segments_deduplicated", "directory holding the files to import")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for each batch to finish")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func readManifest(path string) ([]audience.Audience, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return audience.ReadManifest(f)
}

func newDeleteMembersCmd(a *app) *cobra.Command {
	var (
		wait bool
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "delete-members <list-id> <members.csv>",
		Short: "Permanently delete the members listed in a CSV file from a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			au, err := audience.Get(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}

			if !yes {
				ok, err := a.confirm(fmt.Sprintf("Permanently delete members of %s from %s (%s)?", args[1], au.Name, au.ID))
				if err != nil || !ok {
					return err
				}
			}

			im := audience.NewImporter(batch.NewSubmitter(c), a.poller(c))
			job, err := im.DeleteMembers(cmd.Context(), au.ID, args[1], wait)
			if job != nil {
				fmt.Fprintf(a.out, "Batch %s\t%s\n", job.ID, job.Status)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the batch to finish")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
