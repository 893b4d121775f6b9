package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	attnflow "attnflow/src"
)

type runOptions struct {
	epochs    int
	batchSize int
	samples   int
	seqLen    int
	minLen    int
	seed      int64

	optimizer    string
	lr           float64
	loss         string
	weightReg    string
	weightLambda float64
	auxWeight    float64
	clip         float64

	prune          string
	freezeBackbone bool
	tracePath      string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Train an encoder on a synthetic pooled-regression task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			t, err := newTrainer(cfg, opts)
			if err != nil {
				return err
			}
			if opts.tracePath != "" {
				store, err := openTrace(opts.tracePath)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.beginRun(cfg); err != nil {
					return err
				}
				t.trace = store
			}
			t.logger = root.logger
			return t.fit(cmd.Context(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.epochs, "epochs", 3, "training epochs")
	f.IntVar(&opts.batchSize, "batch-size", 8, "sequences per step")
	f.IntVar(&opts.samples, "samples", 64, "synthetic sequences")
	f.IntVar(&opts.seqLen, "seq-len", 6, "tokens per sequence")
	f.IntVar(&opts.minLen, "min-len", 3, "shortest unpadded sequence")
	f.Int64Var(&opts.seed, "seed", 42, "random seed")
	f.StringVar(&opts.optimizer, "optimizer", "adam", "sgd, adam or adamw")
	f.Float64Var(&opts.lr, "lr", 1e-3, "learning rate")
	f.StringVar(&opts.loss, "loss", "mse", "task loss")
	f.StringVar(&opts.weightReg, "weight-reg", "none", "l1, l2 or none")
	f.Float64Var(&opts.weightLambda, "weight-lambda", 1e-4, "weight penalty strength")
	f.Float64Var(&opts.auxWeight, "aux-weight", 1, "scale of the mean attention regularizer")
	f.Float64Var(&opts.clip, "clip", 1, "gradient norm clip, 0 disables")
	f.StringVar(&opts.prune, "prune", "", `heads to prune before training, e.g. "0:1,2;1:0"`)
	f.BoolVar(&opts.freezeBackbone, "freeze-backbone", false, "train only the regularizer sub-networks and the head")
	f.StringVar(&opts.tracePath, "trace", "", "sqlite file receiving per-step diagnostics")
	return cmd
}

// parsePrune reads "layer:head,head;layer:head" into a pruning map.
func parsePrune(arg string) (map[int][]int, error) {
	out := make(map[int][]int)
	if strings.TrimSpace(arg) == "" {
		return out, nil
	}
	for _, part := range strings.Split(arg, ";") {
		layerStr, headsStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("prune entry %q: want layer:heads", part)
		}
		layer, err := strconv.Atoi(strings.TrimSpace(layerStr))
		if err != nil {
			return nil, fmt.Errorf("prune entry %q: %w", part, err)
		}
		for _, h := range strings.Split(headsStr, ",") {
			head, err := strconv.Atoi(strings.TrimSpace(h))
			if err != nil {
				return nil, fmt.Errorf("prune entry %q: %w", part, err)
			}
			out[layer] = append(out[layer], head)
		}
	}
	return out, nil
}

// trainer owns the encoder, a linear regression head on mean-pooled hidden
// states, and a fixed synthetic dataset.
type trainer struct {
	cfg  attnflow.Config
	opts *runOptions
	rng  *rand.Rand

	encoder *attnflow.Encoder
	head    *attnflow.Linear
	frozen  *attnflow.FreezeSet

	optimizer attnflow.Optimizer
	loss      attnflow.Loss
	weightReg attnflow.WeightRegularizer

	inputs *attnflow.Tensor // (n, seq, emb)
	labels *attnflow.Tensor // (n, 2): target, unpadded length

	trace  *traceStore
	logger *slog.Logger
}

func newTrainer(cfg attnflow.Config, opts *runOptions) (*trainer, error) {
	if opts.epochs <= 0 || opts.batchSize <= 0 || opts.samples <= 0 || opts.seqLen <= 0 {
		return nil, fmt.Errorf("epochs, batch-size, samples and seq-len must be positive")
	}
	if opts.minLen <= 0 || opts.minLen > opts.seqLen {
		return nil, fmt.Errorf("min-len must be in [1, %d], got %d", opts.seqLen, opts.minLen)
	}
	rng := rand.New(rand.NewSource(opts.seed))
	enc, err := attnflow.NewEncoder(cfg).WithRand(rng).Build()
	if err != nil {
		return nil, err
	}
	heads, err := parsePrune(opts.prune)
	if err != nil {
		return nil, err
	}
	if err := enc.PruneHeads(heads); err != nil {
		return nil, err
	}
	head, err := attnflow.Dense(1).
		WithInitializer(attnflow.Normal(cfg.InitializerRange)).
		WithBiasInitializer(attnflow.Zeros()).
		Build(cfg.HiddenSize, rng)
	if err != nil {
		return nil, err
	}

	t := &trainer{cfg: cfg, opts: opts, rng: rng, encoder: enc, head: head, frozen: attnflow.NewFreezeSet()}
	if opts.freezeBackbone {
		enc.FreezeBackbone(t.frozen)
	}
	if t.optimizer, err = attnflow.OptimizerByName(opts.optimizer, opts.lr); err != nil {
		return nil, err
	}
	if t.loss, err = attnflow.LossByName(opts.loss); err != nil {
		return nil, err
	}
	if t.weightReg, err = attnflow.WeightRegularizerByName(opts.weightReg, opts.weightLambda); err != nil {
		return nil, err
	}
	t.synthesize()
	return t, nil
}

// synthesize draws random sequences; the target of a sequence is the mean of
// its first feature over the unpadded positions.
func (t *trainer) synthesize() {
	n, s, e := t.opts.samples, t.opts.seqLen, t.cfg.EmbeddingSize
	t.inputs = attnflow.RandNormal(t.rng, 0, 1, n, s, e)
	t.labels = attnflow.NewTensor(n, 2)
	x, y := t.inputs.Data(), t.labels.Data()
	for i := 0; i < n; i++ {
		length := t.opts.minLen + t.rng.Intn(s-t.opts.minLen+1)
		sum := 0.0
		for j := 0; j < length; j++ {
			sum += x[(i*s+j)*e]
		}
		y[i*2] = sum / float64(length)
		y[i*2+1] = float64(length)
	}
}

func (t *trainer) allParameters() []*attnflow.Tensor {
	return append(t.encoder.Parameters(), t.head.Parameters()...)
}

// batch splits a label batch into targets (b, 1) and the additive mask.
func (t *trainer) batch(labels *attnflow.Tensor) (*attnflow.Tensor, *attnflow.Tensor, error) {
	b := labels.Shape()[0]
	data := labels.Data()
	targets := attnflow.NewTensor(b, 1)
	lengths := make([]int, b)
	for i := 0; i < b; i++ {
		targets.Data()[i] = data[i*2]
		lengths[i] = int(data[i*2+1])
	}
	mask, err := attnflow.ExtendedAttentionMask(attnflow.PaddingMask(lengths, t.opts.seqLen))
	return targets, mask, err
}

// stepResult is what one optimizer step reports.
type stepResult struct {
	task, aux   float64
	sinkhornMax int
}

func (t *trainer) step(ctx context.Context, inputs, labels *attnflow.Tensor, epoch, step int) (stepResult, error) {
	targets, mask, err := t.batch(labels)
	if err != nil {
		return stepResult{}, err
	}
	out, err := t.encoder.ForwardContext(ctx, inputs, mask, nil, true)
	if err != nil {
		return stepResult{}, err
	}
	pred := t.head.Forward(attnflow.MeanAxis(out.Hidden, 1, false))
	task, err := t.loss.Compute(pred, targets)
	if err != nil {
		return stepResult{}, err
	}
	aux := out.AuxiliaryLoss(true)
	trainable := t.frozen.Trainable(t.allParameters())
	total := attnflow.Add(attnflow.Add(task, attnflow.Scale(aux, t.opts.auxWeight)), t.weightReg.Penalty(trainable))

	attnflow.ZeroGrad(t.allParameters())
	if err := total.Backward(); err != nil {
		return stepResult{}, err
	}
	if t.opts.clip > 0 {
		attnflow.ClipGradNorm(trainable, t.opts.clip)
	}
	t.optimizer.Step(trainable)

	if t.trace != nil {
		if err := t.trace.record(epoch, step, out.Diagnostics); err != nil {
			return stepResult{}, fmt.Errorf("record trace: %w", err)
		}
	}
	res := stepResult{task: task.Item(), aux: aux.Item()}
	res.sinkhornMax = lo.Max(lo.Map(lo.Flatten(out.Diagnostics), func(d attnflow.Diagnostics, _ int) int {
		return d.SinkhornIterations
	}))
	return res, nil
}

// fit runs every epoch, then reports the evaluation loss on the full set.
func (t *trainer) fit(ctx context.Context, out io.Writer) error {
	taskMetric := attnflow.RunningMean("loss")
	auxMetric := attnflow.RunningMean("regularizer")
	sinkMetric := attnflow.RunningMax("sinkhorn_iterations")

	if t.opts.freezeBackbone {
		fmt.Fprint(out, attnflow.PrintFreezeSummary(t.encoder.FreezeSummary(t.frozen)))
	}
	step := 0
	for epoch := 0; epoch < t.opts.epochs; epoch++ {
		for _, m := range []attnflow.Metric{taskMetric, auxMetric, sinkMetric} {
			m.Reset()
		}
		attnflow.ShuffleRows(t.inputs, t.labels, t.rng)
		for start := 0; start < t.opts.samples; start += t.opts.batchSize {
			res, err := t.step(ctx,
				attnflow.GetBatch(t.inputs, start, t.opts.batchSize),
				attnflow.GetBatch(t.labels, start, t.opts.batchSize),
				epoch, step)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
			}
			taskMetric.Update(res.task)
			auxMetric.Update(res.aux)
			sinkMetric.Update(float64(res.sinkhornMax))
			step++
		}
		if t.logger != nil {
			t.logger.Info("epoch finished", "epoch", epoch, taskMetric.Name(), taskMetric.Result(),
				auxMetric.Name(), auxMetric.Result(), sinkMetric.Name(), sinkMetric.Result())
		}
		fmt.Fprintf(out, "epoch %d  loss %.5f  regularizer %.5f\n", epoch, taskMetric.Result(), auxMetric.Result())
	}

	evalLoss, err := t.evaluate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "eval loss %.5f\n", evalLoss)
	return nil
}

func (t *trainer) evaluate(ctx context.Context) (float64, error) {
	targets, mask, err := t.batch(t.labels)
	if err != nil {
		return 0, err
	}
	res, err := t.encoder.ForwardContext(ctx, t.inputs, mask, nil, false)
	if err != nil {
		return 0, err
	}
	pred := t.head.Forward(attnflow.MeanAxis(res.Hidden, 1, false))
	loss, err := t.loss.Compute(pred, targets)
	if err != nil {
		return 0, err
	}
	return loss.Item(), nil
}
