package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"brainslices/internal/models"
	"brainslices/pkg/catalog"
	"brainslices/pkg/config"
	"brainslices/pkg/container"
	"brainslices/pkg/dataset"
	"brainslices/pkg/filter"
	"brainslices/pkg/normalize"
	"brainslices/pkg/visualization"
	"brainslices/pkg/volume"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "brainslices.yaml", "Path to the YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	dataRoot := flag.String("data", "", "Dataset root directory (overrides config)")
	sequence := flag.String("sequence", "", "Pulse sequence to load: t1, t1c, t2 or flair (overrides config)")
	limit := flag.Int("limit", -1, "Maximum number of subjects, 0 for all (overrides config)")
	output := flag.String("output", "", "Output container path (overrides config)")
	seed := flag.Int64("seed", 0, "Split seed, 0 derives one from the clock (overrides config)")
	extractSlices := flag.Bool("extract-slices", false, "Save every axial slice of the preview subject as JPEG")
	slicesDir := flag.String("slices-dir", "extracted_slices", "Directory for -extract-slices output")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dataRoot != "" {
		cfg.Data.Root = *dataRoot
	}
	if *sequence != "" {
		cfg.Dataset.Sequence = *sequence
	}
	if *limit >= 0 {
		cfg.Dataset.Limit = *limit
	}
	if *output != "" {
		cfg.Output.Container = *output
	}
	if *seed != 0 {
		cfg.Dataset.Seed = *seed
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	if err := run(ctx, cfg, *extractSlices, *slicesDir); err != nil {
		stop()
		log.Fatalf("Dataset build failed: %v", err)
	}
	fmt.Printf("\nDataset built successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	fmt.Printf("Container saved to: %s\n", cfg.Output.Container)
}

// run indexes the data root, builds the split and persists it
func run(ctx context.Context, cfg *config.Config, extractSlices bool, slicesDir string) error {
	cat, err := catalog.Open(cfg.Data.Catalog)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer cat.Close()

	n, err := cat.Index(ctx, cfg.Data.Root)
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", cfg.Data.Root, err)
	}
	if cfg.Output.Verbose {
		log.Printf("Indexed %d volumes under %s", n, cfg.Data.Root)
	}

	unpaired, err := cat.Unpaired(ctx, cfg.Dataset.Sequence)
	if err != nil {
		return err
	}
	for _, name := range unpaired {
		log.Printf("Warning: %s has no matching %s scan and ground truth, skipped", name, cfg.Dataset.Sequence)
	}

	params := dataset.Params{
		Sequence: cfg.Dataset.Sequence,
		TestSize: cfg.Dataset.TestSize,
		Limit:    cfg.Dataset.Limit,
		Seed:     cfg.Dataset.Seed,
		Verbose:  cfg.Output.Verbose,
	}
	builder := dataset.NewBuilder(params, cat, volume.FileReader{})
	if err := builder.Process(ctx); err != nil {
		return err
	}

	split := builder.Split()
	if cfg.Normalization.Enabled {
		if split, err = normalizeSplit(split, cfg); err != nil {
			return fmt.Errorf("failed to normalize slices: %w", err)
		}
	}

	if cfg.Preview.Enabled {
		t, err := filter.Lookup(cfg.Preview.Transform)
		if err != nil {
			return err
		}
		if err := builder.Preview(t, cfg.Preview.Params, cfg.Preview.Scan, cfg.Preview.Slice, cfg.Preview.Path); err != nil {
			return fmt.Errorf("failed to render preview: %w", err)
		}
	}

	if extractSlices {
		if err := saveSubjectSlices(builder, cfg.Preview.Scan, slicesDir); err != nil {
			log.Printf("Warning: Failed to extract slices: %v", err)
		}
	}

	if err := container.Save(cfg.Output.Container, split); err != nil {
		return fmt.Errorf("failed to save container: %w", err)
	}

	build := catalog.NewBuild()
	build.Sequence = builder.Sequence()
	build.TestSize = cfg.Dataset.TestSize
	build.Seed = builder.Seed()
	build.Subjects = len(builder.Subjects())
	build.TrainCount = len(split.TrainX)
	build.TestCount = len(split.TestX)
	build.Normalized = cfg.Normalization.Enabled
	build.Container = cfg.Output.Container
	if err := cat.RecordBuild(ctx, build); err != nil {
		return err
	}
	if cfg.Output.Verbose {
		log.Printf("Recorded build %s (%d train / %d test slices)", build.ID, build.TrainCount, build.TestCount)
	}
	return nil
}

// normalizeSplit returns a new split with both scan partitions normalized.
// Labels are shared with the input.
func normalizeSplit(split *models.Split, cfg *config.Config) (*models.Split, error) {
	policy, err := normalize.ParsePolicy(cfg.Normalization.ZeroVariance)
	if err != nil {
		return nil, err
	}
	opts := normalize.DefaultOptions()
	opts.Lower = cfg.Normalization.LowerPercentile
	opts.Upper = cfg.Normalization.UpperPercentile
	opts.ZeroVariance = policy

	trainX, err := normalize.Slices(split.TrainX, opts)
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	testX, err := normalize.Slices(split.TestX, opts)
	if err != nil {
		return nil, fmt.Errorf("test: %w", err)
	}
	return &models.Split{TrainX: trainX, TrainY: split.TrainY, TestX: testX, TestY: split.TestY}, nil
}

// saveSubjectSlices re-reads one subject's scan and writes its axial slices as JPEGs
func saveSubjectSlices(builder *dataset.Builder, scan int, dir string) error {
	subjects := builder.Subjects()
	if scan < 0 || scan >= len(subjects) {
		return fmt.Errorf("scan %d of %d: %w", scan, len(subjects), dataset.ErrIndexOutOfRange)
	}
	vol, err := volume.FileReader{}.Read(subjects[scan].ScanPath)
	if err != nil {
		return err
	}

	outDir := filepath.Join(dir, filepath.FromSlash(subjects[scan].Name))
	fmt.Printf("Saving z-axis slices of %s to: %s\n", subjects[scan].Name, outDir)
	return visualization.NewViewer(vol).SaveSliceSequence("z", outDir)
}
