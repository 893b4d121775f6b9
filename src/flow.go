// Package attnflow is a regularized self-attention library for Go.
//
// attnflow augments transformer self-attention with variational and
// adversarial regularizers: Weibull and LogNormal attention posteriors with
// closed-form KL terms, gradient-reversal critics (GAN, MMD, transport maps)
// and entropic optimal transport. Every forward call returns the context,
// the attention weights and a differentiable scalar regularizer. Nothing is
// stored between calls.
//
// Like the rest of the library, configuration is explicit. Every
// hyperparameter lives in Config and unknown variant names are rejected
// when the layer is built.
//
// Basic usage:
//
//	cfg := attnflow.DefaultConfig()
//	cfg.AttType = attnflow.AttSoftLogNormal
//	cfg.AdverType = attnflow.AdverACT
//
//	layer, err := attnflow.NewAttention(cfg).
//		WithRand(rand.New(rand.NewSource(42))).
//		Build()
//	if err != nil {
//		return err
//	}
//
//	out, err := layer.Forward(hidden, mask, nil, true)
//	if err != nil {
//		return err
//	}
//	loss := attnflow.Add(taskLoss, out.Regularizer)
//	if err := loss.Backward(); err != nil {
//		return err
//	}
package attnflow

import (
	"log/slog"
	"os"
)

// Version of the attnflow library
const Version = "1.0.0"

// DebugMode enables NaN/Inf scanning of forward outputs and debug logging
var DebugMode = false

var logLevel = new(slog.LevelVar)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

// SetDebug enables or disables debug mode
func SetDebug(enabled bool) {
	DebugMode = enabled
	if enabled {
		logLevel.Set(slog.LevelDebug)
	} else {
		logLevel.Set(slog.LevelInfo)
	}
}

// SetLogger replaces the package logger. A nil logger restores the default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}
	logger = l
}

// Numerical guards applied at every logarithm, normalization and division.
const (
	epsLog     = 1e-20 // log of probabilities
	epsNorm    = 1e-6  // L2 normalization of critic/navigator outputs
	epsMarg    = 1e-8  // log of transport marginals
	cdistFloor = 1e-30 // squared-distance floor before the square root
)
