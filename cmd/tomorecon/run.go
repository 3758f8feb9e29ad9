package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
	"tomorecon/pkg/catalog"
	"tomorecon/pkg/history"
	"tomorecon/pkg/ingest"
	"tomorecon/pkg/pipeline"
	"tomorecon/pkg/stages"
	"tomorecon/pkg/store"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline over local files",
		RunE:  runPipeline,
	}

	cmd.Flags().StringArrayP("projections", "p", nil, "Projection stack, .tif/.tiff or .h5/.hdf5 (required, repeat to process several datasets)")
	cmd.Flags().String("flats", "", "Flat field stack")
	cmd.Flags().String("darks", "", "Dark field stack")
	cmd.Flags().String("angles", "", "Comma separated rotation angles in degrees, default evenly over 0-180")
	cmd.Flags().StringArray("set", nil, "Parameter override stage.key=value, repeatable")
	cmd.Flags().String("preset", "", "Named preset from the ledger, applied before --set")
	cmd.Flags().Bool("record", false, "Record the run in the ledger")
	cmd.Flags().StringP("out", "o", "", "Directory for <stage>.tif exports")
	cmd.Flags().Bool("previews", false, "Also write PNG previews of every slice")
	cmd.MarkFlagRequired("projections")

	return cmd
}

func runPipeline(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.log.Sync()
	flags := cmd.Flags()

	projections, _ := flags.GetStringArray("projections")
	flats, _ := flags.GetString("flats")
	darks, _ := flags.GetString("darks")
	rawAngles, _ := flags.GetString("angles")
	sets, _ := flags.GetStringArray("set")
	preset, _ := flags.GetString("preset")
	record, _ := flags.GetBool("record")
	outDir, _ := flags.GetString("out")
	previews, _ := flags.GetBool("previews")

	overrides, err := parseSets(sets)
	if err != nil {
		return err
	}
	angles, err := ingest.ParseAngles(rawAngles, true)
	if err != nil {
		return err
	}

	var ledger *history.Ledger
	if preset != "" || record {
		if ledger, err = env.openLedger(); err != nil {
			return err
		}
		defer ledger.Close()
	}
	if preset != "" {
		p, err := ledger.Preset(cmd.Context(), preset)
		if err != nil {
			return err
		}
		overrides = p.Overrides.Merge(overrides)
	}
	if err := env.registry.Validate(overrides); err != nil {
		return err
	}

	st := store.New(env.log)
	names := make(map[string]string, len(projections))
	seen := make(map[string]bool, len(projections))
	for _, path := range projections {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if seen[name] {
			return fmt.Errorf("two projection files are named %s", name)
		}
		seen[name] = true
		id, err := ingest.IngestFiles(st, path, flats, darks, angles, env.log)
		if err != nil {
			return err
		}
		names[id] = name
	}

	opts := pipeline.Options{Logger: env.log}
	if record {
		opts.Recorder = ledger
	}
	runner := pipeline.NewRunner(st, env.registry, opts)
	out := cmd.OutOrStdout()
	runner.OnProgress(func(u models.StatusUpdate) {
		if u.Status == models.StagePending {
			return
		}
		line := fmt.Sprintf("%-16s %-10s", u.Stage, u.Status)
		if len(names) > 1 {
			line = fmt.Sprintf("%-12s %s", names[u.DatasetID], line)
		}
		switch {
		case u.Total > 0:
			line += fmt.Sprintf(" %d/%d %s", u.Done, u.Total, u.Elapsed.Round(time.Millisecond))
		case u.Status.Terminal():
			line += fmt.Sprintf(" %s", u.Elapsed.Round(time.Millisecond))
		}
		if u.Err != nil {
			line += fmt.Sprintf("  %s", u.Err.Message)
		}
		fmt.Fprintln(out, line)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runs, err := runner.RunAll(ctx, overrides)
	if err != nil {
		return err
	}

	cat := catalog.New(st, env.registry)
	var failures []string
	for _, run := range runs {
		prefix := ""
		dir := outDir
		if len(runs) > 1 {
			prefix = names[run.DatasetID] + ": "
			dir = filepath.Join(outDir, names[run.DatasetID])
		}
		if res, ok := run.Stage(stages.CoREstimation); ok && res.Scalar != nil {
			fmt.Fprintf(out, "%scenter of rotation: %.3f\n", prefix, *res.Scalar)
		}
		if outDir != "" {
			if err := writeResults(cat, run.DatasetID, dir, previews, out); err != nil {
				return err
			}
		}
		if run.Status != models.RunSucceeded {
			if failed, ok := run.FailedStage(); ok {
				failures = append(failures, fmt.Sprintf("%sstage %s failed: %s", prefix, failed.Stage, failed.Err.Message))
			} else {
				failures = append(failures, fmt.Sprintf("%srun %s did not complete", prefix, run.ID))
			}
		}
	}
	if len(failures) > 0 {
		return errors.New(strings.Join(failures, "; "))
	}
	return nil
}

// writeResults exports every published volume as <stage>.tif under dir.
func writeResults(cat *catalog.Catalog, id, dir string, previews bool, out io.Writer) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	names, err := cat.ListResults(id)
	if err != nil {
		return err
	}
	for _, name := range names {
		info, err := cat.Info(id, name)
		if err != nil {
			return err
		}
		if info.Kind != catalog.KindVolume {
			continue
		}
		data, err := cat.Export(id, name)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name+".tif")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("error writing %s: %w", path, err)
		}
		fmt.Fprintf(out, "wrote %s (%d slices)\n", path, info.SliceCount)

		if previews {
			if err := cat.SavePreviews(id, name, filepath.Join(dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseSets turns stage.key=value pairs into overrides. Values are read as
// YAML scalars or flow sequences, so 0.5, true, hann and [20, 40] all work.
func parseSets(sets []string) (models.Overrides, error) {
	overrides := models.Overrides{}
	for _, set := range sets {
		key, raw, ok := strings.Cut(set, "=")
		stage, name, dotted := strings.Cut(key, ".")
		if !ok || !dotted || stage == "" || name == "" {
			return nil, common.Errorf(common.InvalidParameter, "override %q is not stage.key=value", set)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, common.Wrap(common.InvalidParameter, err, "override %s", key)
		}
		if value == nil {
			value = raw
		}
		if overrides[stage] == nil {
			overrides[stage] = map[string]interface{}{}
		}
		overrides[stage][name] = value
	}
	return overrides, nil
}
