// Command lafmnet trains the LAFM-Net flow classifier on CIC-IDS-2018 CSV
// files, classifies new flows with a saved run and checks run integrity.
//
//	lafmnet train -config run.yaml -output ./run Friday-02-03-2018.csv
//	lafmnet predict -model ./run -evaluate flows.csv > predictions.csv
//	lafmnet verify -model ./run
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/lafm-net/checkpoints"
	"github.com/tsawler/lafm-net/flows"
	"github.com/tsawler/lafm-net/pipeline"
	"github.com/tsawler/lafm-net/report"
)

const usage = `usage: lafmnet <command> [flags]

commands:
  train    train both phases and save the run
  predict  classify a CSV file with a saved run
  verify   check a run directory against its manifest
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(ctx, os.Args[2:])
	case "predict":
		err = runPredict(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML run configuration (defaults are used when empty)")
	output := fs.String("output", "", "directory for the run artifacts (overrides output_dir)")
	seed := fs.Uint64("seed", 0, "random seed (overrides random_seed when non-zero)")
	unetEpochs := fs.Int("unet-epochs", 0, "autoencoder epochs (overrides unet_epochs when positive)")
	clfEpochs := fs.Int("classifier-epochs", 0, "classifier epochs (overrides classifier_epochs when positive)")
	progress := fs.Bool("progress", false, "draw a progress bar on stderr")
	fs.Parse(args)

	cfg := pipeline.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = pipeline.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if fs.NArg() > 0 {
		cfg.SourceFiles = fs.Args()
	}
	if *output != "" {
		cfg.OutputDir = *output
	}
	if *seed != 0 {
		cfg.RandomSeed = *seed
	}
	if *unetEpochs > 0 {
		cfg.UNetEpochs = *unetEpochs
	}
	if *clfEpochs > 0 {
		cfg.ClassifierEpochs = *clfEpochs
	}
	if *progress {
		cfg.Progress = os.Stderr
	}
	if len(cfg.SourceFiles) == 0 {
		return fmt.Errorf("no source files: list them in the config or on the command line")
	}

	logger, err := pipeline.NewLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	res, err := pipeline.Train(ctx, cfg, logger)
	if err != nil {
		return err
	}

	e := res.Evaluation
	logger.WithFields(logrus.Fields{
		"run_id":      res.RunID,
		"accuracy":    e.Accuracy,
		"weighted_f1": e.WeightedF1,
		"macro_f1":    e.MacroF1,
		"output":      cfg.OutputDir,
	}).Info("Training complete")
	return nil
}

func runPredict(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	model := fs.String("model", "", "run directory written by train")
	output := fs.String("output", "", "predictions CSV (stdout when empty)")
	evaluate := fs.Bool("evaluate", false, "score the predictions against the label column and print a report to stderr")
	logLevel := fs.String("log-level", "warn", "log level")
	fs.Parse(args)

	if *model == "" || fs.NArg() != 1 {
		return fmt.Errorf("usage: lafmnet predict -model DIR [-output FILE] [-evaluate] INPUT.csv")
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	p, err := pipeline.LoadPredictor(*model, logger)
	if err != nil {
		return err
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	target := ""
	if *evaluate {
		target = p.Config().TargetColumn
	}
	table, err := flows.ReadCSV(f, target)
	f.Close()
	if err != nil {
		return err
	}

	if *evaluate {
		stats := table.Clean()
		logger.WithFields(logrus.Fields{
			"incomplete": stats.Incomplete,
			"duplicates": stats.Duplicates,
		}).Info("Input cleaned")
	} else if dropped := table.DropNonFinite(); dropped > 0 {
		logger.WithField("dropped", dropped).Warn("Skipped rows with missing or non-finite values")
	}

	preds, err := p.Predict(table)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if *output != "" {
		of, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer of.Close()
		out = of
	}
	if err := writePredictions(out, p.Classes(), preds); err != nil {
		return err
	}

	if !*evaluate {
		return nil
	}
	eval, err := p.Evaluate(table)
	if err != nil {
		return err
	}
	if err := report.ClassificationReport(os.Stderr, eval.Confusion, eval.Classes); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	if err := report.ConfusionTable(os.Stderr, eval.Confusion, eval.Classes); err != nil {
		return err
	}
	if eval.Binary != nil {
		fmt.Fprintf(os.Stderr, "\nAttack ROC AUC: %.4f\n", eval.AttackAUC)
	}
	return nil
}

func writePredictions(w io.Writer, classes []string, preds []pipeline.Prediction) error {
	cw := csv.NewWriter(w)
	header := []string{"row", "class", "confidence"}
	for _, c := range classes {
		header = append(header, "p_"+c)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for i, pr := range preds {
		rec[0] = strconv.Itoa(i)
		rec[1] = pr.Class
		rec[2] = strconv.FormatFloat(pr.Confidence, 'f', 6, 64)
		for k, v := range pr.Probabilities {
			rec[3+k] = strconv.FormatFloat(v, 'f', 6, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	model := fs.String("model", "", "run directory written by train")
	fs.Parse(args)
	if *model == "" {
		return fmt.Errorf("usage: lafmnet verify -model DIR")
	}

	m, err := checkpoints.LoadManifest(*model)
	if err != nil {
		return err
	}
	if err := m.Verify(*model); err != nil {
		return err
	}

	fmt.Printf("run %s (%s): %d files verified, root %s\n",
		m.RunID, m.CreatedAt.Format("2006-01-02 15:04:05"), len(m.Files), m.Root)
	names := make([]string, 0, len(m.Metrics))
	for k := range m.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("  %-22s %.4f\n", k, m.Metrics[k])
	}
	return nil
}
