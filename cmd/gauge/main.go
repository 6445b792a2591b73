// Command gauge evaluates language-model generations against a reference corpus.
//
// Typical flow:
//
//	gauge prepare  --phase dev            # build prompt/gold pairs
//	gauge prompts  --out prompts.jsonl    # hand prompts to the generator
//	gauge train-lm --out models/ngram.arrow
//	gauge evaluate --ppl-model models/ngram.arrow
//	gauge history
//
// Every key can also come from a YAML file (--config) or GAUGE_* environment
// variables, e.g. GAUGE_DIVERGENCE_API_KEY.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-gauge/internal/config"
	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		logger.Log.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app carries the viper instance and the resolved configuration for one
// command tree so tests can build independent trees.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config

	// local flag bindings per command; several commands share a key so
	// binding waits until the command actually runs.
	local map[*cobra.Command][][2]string
}

func newApp() *app {
	return &app{v: viper.New(), local: make(map[*cobra.Command][][2]string)}
}

func buildRootCmd() *cobra.Command {
	return newApp().rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	d := config.Default()

	root := &cobra.Command{
		Use:           "gauge",
		Short:         "Evaluate generated text for diversity, fluency and closeness to human text",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, b := range a.local[cmd] {
				a.mustBindPFlag(b[0], cmd.Flags().Lookup(b[1]))
			}
			if err := a.load(); err != nil {
				return err
			}
			if a.cfg.Metrics.Addr != "" {
				go func() {
					if err := metrics.Serve(cmd.Context(), a.cfg.Metrics.Addr); err != nil {
						logger.Log.Warn("metrics server stopped", "error", err)
					}
				}()
				logger.Log.Info("serving metrics", "addr", a.cfg.Metrics.Addr)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return metrics.Push(a.cfg.Metrics.Pushgateway, "gauge_"+strings.ReplaceAll(cmd.Name(), "-", "_"))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "Path to YAML configuration file")
	pf.String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	pf.String("log-format", d.Log.Format, "Log format (console, json)")
	pf.String("phase", d.Phase, "Evaluation phase (dev, final)")
	pf.Int("dev-cap", d.DevCap, "Maximum examples in the dev phase")
	pf.Int("gen-len", d.GenLen, "Gold continuation length in tokens")
	pf.Int("prompt-words", d.PromptWords, "Prompt length in whitespace words")
	pf.String("tokenizer", string(d.Tokenizer.Kind), "Tokenizer kind (tiktoken, gguf)")
	pf.String("tokenizer-path", d.Tokenizer.Path, "GGUF file or ollama name:tag for the gguf tokenizer")
	pf.String("corpus-dir", d.Corpus.Dir, "Directory holding the corpus split files")
	pf.String("prepared-dir", d.PreparedDir, "Directory for prepared prompt/gold files")
	pf.String("outputs-dir", d.OutputsDir, "Directory holding generated output files")
	pf.String("results-dir", d.ResultsDir, "Directory for summary tables")
	pf.String("metrics-addr", d.Metrics.Addr, "Serve prometheus metrics on this address")

	a.mustBindPFlag("log.level", pf.Lookup("log-level"))
	a.mustBindPFlag("log.format", pf.Lookup("log-format"))
	a.mustBindPFlag("phase", pf.Lookup("phase"))
	a.mustBindPFlag("dev_cap", pf.Lookup("dev-cap"))
	a.mustBindPFlag("gen_len", pf.Lookup("gen-len"))
	a.mustBindPFlag("prompt_words", pf.Lookup("prompt-words"))
	a.mustBindPFlag("tokenizer.kind", pf.Lookup("tokenizer"))
	a.mustBindPFlag("tokenizer.path", pf.Lookup("tokenizer-path"))
	a.mustBindPFlag("corpus.dir", pf.Lookup("corpus-dir"))
	a.mustBindPFlag("prepared_dir", pf.Lookup("prepared-dir"))
	a.mustBindPFlag("outputs_dir", pf.Lookup("outputs-dir"))
	a.mustBindPFlag("results_dir", pf.Lookup("results-dir"))
	a.mustBindPFlag("metrics.addr", pf.Lookup("metrics-addr"))

	root.AddCommand(
		a.buildPrepareCmd(),
		a.buildPromptsCmd(),
		a.buildTrainCmd(),
		a.buildEvaluateCmd(),
		a.buildHistoryCmd(),
	)
	return root
}

func (a *app) mustBindPFlag(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func (a *app) bind(cmd *cobra.Command, key, flag string) {
	a.local[cmd] = append(a.local[cmd], [2]string{key, flag})
}

// setDefaults registers every key so environment variables resolve during Unmarshal.
func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("phase", d.Phase)
	v.SetDefault("dev_cap", d.DevCap)
	v.SetDefault("final_cap", d.FinalCap)
	v.SetDefault("gen_len", d.GenLen)
	v.SetDefault("prompt_words", d.PromptWords)
	v.SetDefault("max_len", d.MaxLen)
	v.SetDefault("max_ctx", d.MaxCtx)
	v.SetDefault("device", d.Device)
	v.SetDefault("corpus.dir", d.Corpus.Dir)
	v.SetDefault("corpus.format", d.Corpus.Format)
	v.SetDefault("prepared_dir", d.PreparedDir)
	v.SetDefault("outputs_dir", d.OutputsDir)
	v.SetDefault("results_dir", d.ResultsDir)
	v.SetDefault("tokenizer.kind", string(d.Tokenizer.Kind))
	v.SetDefault("tokenizer.encoding", d.Tokenizer.Encoding)
	v.SetDefault("tokenizer.path", d.Tokenizer.Path)
	v.SetDefault("ppl.model_path", d.Perplexity.ModelPath)
	v.SetDefault("ppl.order", d.Perplexity.Order)
	v.SetDefault("ppl.batch_size", d.Perplexity.BatchSize)
	v.SetDefault("divergence.featurizer", string(d.Divergence.Featurizer))
	v.SetDefault("divergence.model", d.Divergence.Model)
	v.SetDefault("divergence.base_url", d.Divergence.BaseURL)
	v.SetDefault("divergence.api_key", d.Divergence.APIKey)
	v.SetDefault("divergence.dim", d.Divergence.Dim)
	v.SetDefault("divergence.buckets", d.Divergence.Buckets)
	v.SetDefault("divergence.seed", d.Divergence.Seed)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.pushgateway", d.Metrics.Pushgateway)
	v.SetDefault("resultstore.path", d.ResultStore.Path)
	v.SetDefault("flight.addr", d.Flight.Addr)
}

// load merges defaults, the config file, GAUGE_* variables and flags, then
// validates the result before any model is touched.
func (a *app) load() error {
	setDefaults(a.v, config.Default())
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", a.cfgFile, err)
		}
	}
	a.v.SetEnvPrefix("GAUGE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	cfg := config.Default()
	if err := a.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}
