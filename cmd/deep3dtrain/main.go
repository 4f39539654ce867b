// Command deep3dtrain trains a 3D convolutional network for voxel-wise
// segmentation of volumetric images.
//
// Usage:
//
//	deep3dtrain -data scans/ -labels masks/ [-name run] [-lr 1e-5] [-config run.yaml]
//
// Data and label files are matched by sorted order. Everything the run
// writes goes to the directory named after the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/born-ml/deep3d/internal/config"
	"github.com/born-ml/deep3d/internal/model"
	"github.com/born-ml/deep3d/internal/parallel"
	"github.com/born-ml/deep3d/internal/patch"
	"github.com/born-ml/deep3d/internal/trainer"
	"github.com/born-ml/deep3d/internal/volume"
)

const version = "v0.1.0-dev"

// stringsFlag collects repeated or comma separated values.
type stringsFlag []string

func (s *stringsFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringsFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

// options are the command-line settings.
type options struct {
	configPath string
	data       stringsFlag
	labels     stringsFlag
	test       stringsFlag
	testLabels stringsFlag
	lr         float64
	name       string
	convert    int
	load       bool
	seed       uint64
	version    bool
	set        map[string]bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	def := config.Default()
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.Var(&o.data, "data", "training data files or directories (repeatable, comma separated)")
	fs.Var(&o.labels, "labels", "training label files or directories (repeatable, comma separated)")
	fs.Var(&o.test, "test", "held-out data files or directories")
	fs.Var(&o.testLabels, "testlabels", "held-out label files or directories")
	fs.Float64Var(&o.lr, "lr", float64(def.Training.LearningRate), "initial learning rate")
	fs.StringVar(&o.name, "name", def.Name, "run name; all files are written to this directory")
	fs.IntVar(&o.convert, "convertlabels", 1, "1: label values above 1 become 1")
	fs.BoolVar(&o.load, "load", false, "resume from <name>/end_<name>.save")
	fs.Uint64Var(&o.seed, "seed", def.Training.Seed, "random seed")
	fs.BoolVar(&o.version, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// resolve builds the run configuration: defaults, then the YAML file, then
// flags given explicitly on the command line.
func (o *options) resolve() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath, cfg); err != nil {
			return cfg, err
		}
	}
	if o.set["data"] {
		cfg.Data.Train = o.data
	}
	if o.set["labels"] {
		cfg.Data.Labels = o.labels
	}
	if o.set["test"] {
		cfg.Data.Test = o.test
		cfg.Evaluation.Mode = config.EvalHoldout
	}
	if o.set["testlabels"] {
		cfg.Data.TestLabels = o.testLabels
	}
	if o.set["lr"] {
		cfg.Training.LearningRate = float32(o.lr)
	}
	if o.set["name"] {
		cfg.Name = o.name
	}
	if o.set["convertlabels"] {
		cfg.Data.ConvertLabels = o.convert == 1
	}
	if o.set["load"] {
		cfg.Training.LoadPrevious = o.load
	}
	if o.set["seed"] {
		cfg.Training.Seed = o.seed
	}
	if len(cfg.Data.Train) == 0 || len(cfg.Data.Labels) == 0 {
		return cfg, fmt.Errorf("%w: -data and -labels are required", config.ErrInvalid)
	}
	return cfg, cfg.Validate()
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if opts.version {
		fmt.Printf("deep3dtrain %s\n", version)
		return
	}
	cfg, err := opts.resolve()
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("%+v", err)
		stop()
		os.Exit(1)
	}
}

// run loads the volumes, builds the network and trains it.
func run(ctx context.Context, cfg config.Config) error {
	rng := rand.New(rand.NewPCG(cfg.Training.Seed, cfg.Training.Seed^0x9e3779b97f4a7c15))
	loadOpts := volume.LoadOptions{
		ConvertLabels:          cfg.Data.ConvertLabels,
		PreserveChannelScaling: cfg.Data.PreserveChannelScaling,
	}

	vols, err := loadVolumes(cfg.Data.Train, cfg.Data.Labels, loadOpts)
	if err != nil {
		return fmt.Errorf("training data: %w", err)
	}
	log.Printf("Loaded %d training volumes", len(vols))

	arch := cfg.Architecture()
	arch.InputChannels = vols[0].Channels()
	outputs := arch.Channels[arch.NumLayers()-1]
	if k := volume.NumClasses(vols); k > outputs {
		return fmt.Errorf("%w: labels have %d classes but the network predicts %d", config.ErrInvalid, k, outputs)
	}

	par := parallel.DefaultConfig()
	if cfg.Training.Workers > 0 {
		par.NumWorkers = cfg.Training.Workers
		par.Enabled = cfg.Training.Workers > 1
	}
	log.Printf("Kernels: %s", parallel.Describe())

	geom := model.Geometry{BatchSize: cfg.Training.PatchesPerBatch, OutputPerDim: cfg.Model.LabelsPerDim}
	net, params, err := model.Build(arch, geom, model.BuildOptions{
		SkipPrediction: true,
		RNG:            rng,
		Parallel:       par,
		InitScale:      cfg.Model.InitScale,
	})
	if err != nil {
		return fmt.Errorf("build network: %w", err)
	}
	log.Printf("Network with %d parameter tensors, input %v:\n%s", len(params), []int(net.InputShape()), net)

	creatorOpts := patch.CreatorOptions{OneHot: cfg.Data.OneHotLabels, NumClasses: outputs}
	pgeom := patch.GeometryFor(arch, cfg.Model.LabelsPerDim)
	creator, err := patch.NewCreator(vols, pgeom, creatorOpts, rng)
	if err != nil {
		return err
	}
	var augmenter *patch.Augmenter
	if aug, on := cfg.AugmentationParams(); on {
		augmenter = patch.NewAugmenter(aug, rng)
	}
	batches, err := patch.NewAssembler(creator, cfg.Training.PatchesPerBatch, augmenter)
	if err != nil {
		return err
	}

	var trainOpts []trainer.Option
	if cfg.Evaluation.Mode == config.EvalHoldout {
		held, err := loadVolumes(cfg.Data.Test, cfg.Data.TestLabels, loadOpts)
		if err != nil {
			return fmt.Errorf("held-out data: %w", err)
		}
		heldCreator, err := patch.NewCreator(held, pgeom, creatorOpts, rng)
		if err != nil {
			return fmt.Errorf("held-out data: %w", err)
		}
		heldBatches, err := patch.NewAssembler(heldCreator, cfg.Training.PatchesPerBatch, nil)
		if err != nil {
			return err
		}
		trainOpts = append(trainOpts, trainer.WithHoldout(heldBatches))
	}

	t, err := trainer.New(cfg, net, batches, trainOpts...)
	if err != nil {
		return err
	}
	return t.Run(ctx)
}

func loadVolumes(data, labels []string, opts volume.LoadOptions) ([]*volume.Volume, error) {
	dataFiles, err := volume.FindAll(data)
	if err != nil {
		return nil, err
	}
	labelFiles, err := volume.FindAll(labels)
	if err != nil {
		return nil, err
	}
	pairs, err := volume.Pairs(dataFiles, labelFiles)
	if err != nil {
		return nil, err
	}
	return volume.LoadAll(pairs, opts)
}
