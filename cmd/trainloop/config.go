package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/npratt/trainloop/internal/config"
)

// Flag names for Viper binding
const (
	// Global flags
	FlagVerbose    = "verbose"
	FlagConfig     = "config"
	FlagLogFile    = "log-file"
	FlagProgress   = "progress-file"
	FlagSocketPath = "socket-path"

	// Train command flags
	FlagTUI    = "tui"
	FlagDaemon = "daemon"

	FlagTask               = "task"
	FlagEvalTask           = "eval-task"
	FlagBatchSize          = "batch-size"
	FlagEvalBatchSize      = "eval-batch-size"
	FlagWorkers            = "workers"
	FlagModelFile          = "model-file"
	FlagDictFile           = "dict-file"
	FlagLoadFromCheckpoint = "load-from-checkpoint"
	FlagDisplayExamples    = "display-examples"

	FlagNumEpochs      = "num-epochs"
	FlagMaxTrainTime   = "max-train-time"
	FlagLogEvery       = "log-every"
	FlagValidEveryTime = "validation-every-n-secs"
	FlagValidEveryEps  = "validation-every-n-epochs"
	FlagSaveEvery      = "save-every-n-secs"
	FlagSaveAfterValid = "save-after-valid"

	FlagValidMetric    = "validation-metric"
	FlagValidMode      = "validation-metric-mode"
	FlagValidPatience  = "validation-patience"
	FlagValidCutoff    = "validation-cutoff"
	FlagValidMaxExs    = "validation-max-exs"
	FlagShortFinalEval = "short-final-eval"
	FlagValidShare     = "validation-share-agent"

	FlagToyExamples  = "toy-examples"
	FlagToyFeatures  = "toy-features"
	FlagToySeed      = "toy-seed"
	FlagToyStepDelay = "toy-step-delay"

	// Stop command flags
	FlagForce = "force"

	// Events command flags
	FlagFollow = "follow"
	FlagCount  = "count"

	// Output format flags
	FlagJSON = "json"
)

// addTrainFlags registers the train command's flags. Defaults mirror
// config.Default so --help shows real values; only flags the user sets
// override the loaded config.
func addTrainFlags(cmd *cobra.Command) {
	d := config.Default()
	f := cmd.Flags()

	f.Bool(FlagDaemon, false, "Run as a background daemon")
	f.Bool(FlagTUI, false, "Enable terminal dashboard")

	f.String(FlagTask, d.Task, "Training task(s), comma separated")
	f.String(FlagEvalTask, "", "Evaluation task(s), comma separated (default: --task)")
	f.Int(FlagBatchSize, d.BatchSize, "Examples per training step")
	f.Int(FlagEvalBatchSize, 0, "Examples per evaluation step (default: --batch-size)")
	f.Int(FlagWorkers, d.Workers, "In-process training workers")
	f.String(FlagModelFile, "", "Base path for model snapshots and stats")
	f.String(FlagDictFile, "", "Dictionary path (default: <model-file>.dict)")
	f.Bool(FlagLoadFromCheckpoint, false, "Resume from <model-file>.checkpoint if present")
	f.Bool(FlagDisplayExamples, false, "Print example text on log and evaluation")

	f.Float64(FlagNumEpochs, d.Schedule.NumEpochs, "Stop after this many epochs (<= 0 = unlimited)")
	f.Duration(FlagMaxTrainTime, d.Schedule.MaxTrainTime, "Stop after this much training time (<= 0 = unlimited)")
	f.Duration(FlagLogEvery, d.Schedule.LogEvery, "Progress log interval (<= 0 = never)")
	f.Duration(FlagValidEveryTime, d.Schedule.ValidationEveryTime, "Validate every interval (<= 0 = never)")
	f.Float64(FlagValidEveryEps, d.Schedule.ValidationEveryEpochs, "Validate every n epochs (<= 0 = never)")
	f.Duration(FlagSaveEvery, d.Schedule.SaveEvery, "Checkpoint every interval (<= 0 = never)")
	f.Bool(FlagSaveAfterValid, false, "Checkpoint after every validation")

	f.String(FlagValidMetric, d.Validation.Metric, "Metric used for model selection")
	f.String(FlagValidMode, "", "max or min (default: natural direction of the metric)")
	f.Int(FlagValidPatience, d.Validation.Patience, "Validations without improvement before stopping (<= 0 = never)")
	f.Float64(FlagValidCutoff, d.Validation.Cutoff, "Stop once the metric reaches this value")
	f.Int(FlagValidMaxExs, d.Validation.MaxExamples, "Cap examples per validation (<= 0 = all)")
	f.Bool(FlagShortFinalEval, false, "Apply --validation-max-exs to final evaluation too")
	f.Bool(FlagValidShare, false, "Validate with a shared copy of the training agent")

	f.Int(FlagToyExamples, d.Toy.Examples, "Training examples per epoch for the built-in tasks")
	f.Int(FlagToyFeatures, d.Toy.Features, "Input features for the built-in tasks")
	f.Int64(FlagToySeed, d.Toy.Seed, "Data seed for the built-in tasks")
	f.Duration(FlagToyStepDelay, 0, "Artificial delay per training step")
}

// applyTrainFlags copies explicitly set train flags onto cfg.
func applyTrainFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	strs := map[string]*string{
		FlagTask:        &cfg.Task,
		FlagEvalTask:    &cfg.EvalTask,
		FlagModelFile:   &cfg.Model.File,
		FlagDictFile:    &cfg.Model.DictFile,
		FlagValidMetric: &cfg.Validation.Metric,
		FlagValidMode:   &cfg.Validation.Mode,
		FlagLogFile:     &cfg.Paths.Log,
		FlagProgress:    &cfg.Paths.Progress,
		FlagSocketPath:  &cfg.Paths.Socket,
	}
	for name, dst := range strs {
		if changed(name) {
			*dst = viper.GetString(name)
		}
	}

	ints := map[string]*int{
		FlagBatchSize:     &cfg.BatchSize,
		FlagEvalBatchSize: &cfg.EvalBatchSize,
		FlagWorkers:       &cfg.Workers,
		FlagValidPatience: &cfg.Validation.Patience,
		FlagValidMaxExs:   &cfg.Validation.MaxExamples,
		FlagToyExamples:   &cfg.Toy.Examples,
		FlagToyFeatures:   &cfg.Toy.Features,
	}
	for name, dst := range ints {
		if changed(name) {
			*dst = viper.GetInt(name)
		}
	}

	floats := map[string]*float64{
		FlagNumEpochs:     &cfg.Schedule.NumEpochs,
		FlagValidEveryEps: &cfg.Schedule.ValidationEveryEpochs,
		FlagValidCutoff:   &cfg.Validation.Cutoff,
	}
	for name, dst := range floats {
		if changed(name) {
			*dst = viper.GetFloat64(name)
		}
	}

	bools := map[string]*bool{
		FlagLoadFromCheckpoint: &cfg.LoadFromCheckpoint,
		FlagDisplayExamples:    &cfg.DisplayExamples,
		FlagSaveAfterValid:     &cfg.Schedule.SaveAfterValid,
		FlagShortFinalEval:     &cfg.Validation.ShortFinalEval,
		FlagValidShare:         &cfg.Validation.ShareAgent,
	}
	for name, dst := range bools {
		if changed(name) {
			*dst = viper.GetBool(name)
		}
	}

	if changed(FlagMaxTrainTime) {
		cfg.Schedule.MaxTrainTime = viper.GetDuration(FlagMaxTrainTime)
	}
	if changed(FlagLogEvery) {
		cfg.Schedule.LogEvery = viper.GetDuration(FlagLogEvery)
	}
	if changed(FlagValidEveryTime) {
		cfg.Schedule.ValidationEveryTime = viper.GetDuration(FlagValidEveryTime)
	}
	if changed(FlagSaveEvery) {
		cfg.Schedule.SaveEvery = viper.GetDuration(FlagSaveEvery)
	}
	if changed(FlagToySeed) {
		cfg.Toy.Seed = viper.GetInt64(FlagToySeed)
	}
	if changed(FlagToyStepDelay) {
		cfg.Toy.StepDelay = viper.GetDuration(FlagToyStepDelay)
	}
}
