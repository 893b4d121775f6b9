package attnflow

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/samber/lo"
)

// AttType selects the variational family of the attention weights.
type AttType int

const (
	AttPlain AttType = iota
	AttSoftWeibull
	AttSoftLogNormal
)

var attTypeNames = []string{"plain", "soft_weibull", "soft_lognormal"}

func (a AttType) String() string { return enumName(attTypeNames, int(a)) }

func ParseAttType(s string) (AttType, error) { return parseEnum[AttType]("att_type", s, attTypeNames) }

// AdverType selects the adversarial objective.
type AdverType int

const (
	AdverNone AdverType = iota
	AdverMMD
	AdverGAN
	AdverACT
	AdverACTTest
	AdverOT
	AdverCombine
	AdverTalkingHead
)

var adverTypeNames = []string{"none", "mmd", "gan", "act", "act_test", "ot", "combine", "talking_head"}

func (a AdverType) String() string { return enumName(adverTypeNames, int(a)) }

func ParseAdverType(s string) (AdverType, error) {
	return parseEnum[AdverType]("adver_type", s, adverTypeNames)
}

// PriorType selects where the prior parameters come from.
type PriorType int

const (
	PriorFixed PriorType = iota
	PriorParameter
	PriorContextual
)

var priorTypeNames = []string{"fixed", "parameter", "contextual"}

func (p PriorType) String() string { return enumName(priorTypeNames, int(p)) }

func ParsePriorType(s string) (PriorType, error) {
	return parseEnum[PriorType]("att_prior_type", s, priorTypeNames)
}

// Nonlinearity of the small prior and critic sub-networks.
type Nonlinearity int

const (
	NonlinearLeakyReLU Nonlinearity = iota
	NonlinearReLU
	NonlinearTanh
	NonlinearNone
)

var nonlinearityNames = []string{"lrelu", "relu", "tanh", "none"}

func (n Nonlinearity) String() string { return enumName(nonlinearityNames, int(n)) }

func ParseNonlinearity(s string) (Nonlinearity, error) {
	return parseEnum[Nonlinearity]("att_se_nonlinear", s, nonlinearityNames)
}

func (n Nonlinearity) activation() Activation {
	switch n {
	case NonlinearLeakyReLU:
		return LeakyReLU(0.1)
	case NonlinearReLU:
		return ReLU()
	case NonlinearTanh:
		return Tanh()
	}
	return Identity()
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return fmt.Sprintf("unknown(%d)", i)
	}
	return names[i]
}

func parseEnum[T ~int](axis, s string, names []string) (T, error) {
	i := lo.IndexOf(names, s)
	if i < 0 {
		return 0, variantError(axis, s, names)
	}
	return T(i), nil
}

// Config holds every hyperparameter of an attention layer and of the grouped
// encoder built from it - ALL fields required, start from DefaultConfig
type Config struct {
	HiddenSize        int
	NumAttentionHeads int
	NumHiddenLayers   int
	NumHiddenGroups   int
	InnerGroupNum     int
	EmbeddingSize     int
	IntermediateSize  int
	HiddenAct         string

	LayerNormEps          float64
	AttentionProbsDropout float64
	HiddenDropout         float64
	InitializerRange      float64

	AttType      AttType
	AdverType    AdverType
	AttPriorType PriorType

	Rho                  float64 // forward/backward transport mix for act, act_test and combine
	KWeibull             float64
	SigmaNormalPosterior float64
	AlphaGamma           float64
	BetaGamma            float64
	SigmaNormalPrior     float64

	AttContextualSE bool // two-layer prior network instead of a single projection
	AttSEHidSize    int
	AttSENonlinear  Nonlinearity

	GradReverseBeta float64

	// EvaluationUsesPlainSoftmax makes non-training forwards return the
	// softmax weights and a zero regularizer.
	EvaluationUsesPlainSoftmax bool
	LearnWeibullShape          bool

	OutputAttentions   bool
	OutputHiddenStates bool

	MMDKernelMul float64
	MMDKernelNum int

	Sinkhorn SinkhornConfig
}

// DefaultConfig returns a small ALBERT-style configuration with plain
// attention and no adversary.
func DefaultConfig() Config {
	return Config{
		HiddenSize:        16,
		NumAttentionHeads: 4,
		NumHiddenLayers:   2,
		NumHiddenGroups:   1,
		InnerGroupNum:     1,
		EmbeddingSize:     16,
		IntermediateSize:  32,
		HiddenAct:         "gelu_new",

		LayerNormEps:          1e-12,
		AttentionProbsDropout: 0.1,
		HiddenDropout:         0.1,
		InitializerRange:      0.02,

		AttType:      AttPlain,
		AdverType:    AdverNone,
		AttPriorType: PriorFixed,

		Rho:                  0.5,
		KWeibull:             10,
		SigmaNormalPosterior: 1,
		AlphaGamma:           1,
		BetaGamma:            1,
		SigmaNormalPrior:     1,

		AttContextualSE: true,
		AttSEHidSize:    10,
		AttSENonlinear:  NonlinearLeakyReLU,

		GradReverseBeta:            1,
		EvaluationUsesPlainSoftmax: true,

		MMDKernelMul: 2,
		MMDKernelNum: 5,

		Sinkhorn: DefaultSinkhornConfig(),
	}
}

// HeadSize is the width of one attention head.
func (c Config) HeadSize() int { return c.HiddenSize / c.NumAttentionHeads }

// Validate checks sizes, ranges and variant values.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 || c.NumAttentionHeads <= 0 {
		return configError("hidden_size and num_attention_heads must be > 0, got %d and %d",
			c.HiddenSize, c.NumAttentionHeads)
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return &Error{
			Component:    "Config",
			ErrorType:    "shape mismatch",
			Phase:        "build",
			LayerIndex:   -1,
			ExpectedInfo: "hidden_size divisible by num_attention_heads",
			Cause: fmt.Sprintf("hidden_size %d is not a multiple of num_attention_heads %d",
				c.HiddenSize, c.NumAttentionHeads),
			Err: ErrShapeMismatch,
		}
	}
	if c.NumHiddenLayers <= 0 || c.NumHiddenGroups <= 0 || c.InnerGroupNum <= 0 {
		return configError("num_hidden_layers, num_hidden_groups and inner_group_num must be > 0, got %d, %d, %d",
			c.NumHiddenLayers, c.NumHiddenGroups, c.InnerGroupNum)
	}
	if c.NumHiddenLayers%c.NumHiddenGroups != 0 {
		return configError("num_hidden_layers %d must be a multiple of num_hidden_groups %d",
			c.NumHiddenLayers, c.NumHiddenGroups)
	}
	if c.EmbeddingSize <= 0 || c.IntermediateSize <= 0 {
		return configError("embedding_size and intermediate_size must be > 0, got %d and %d",
			c.EmbeddingSize, c.IntermediateSize)
	}
	if _, err := activationByName(c.HiddenAct); err != nil {
		return err
	}
	if c.LayerNormEps <= 0 {
		return configError("layer_norm_eps must be > 0, got %g", c.LayerNormEps)
	}
	for name, p := range map[string]float64{
		"attention_probs_dropout_prob": c.AttentionProbsDropout,
		"hidden_dropout_prob":          c.HiddenDropout,
	} {
		if p < 0 || p >= 1 {
			return configError("%s must be in [0, 1), got %g", name, p)
		}
	}
	if c.InitializerRange <= 0 {
		return configError("initializer_range must be > 0, got %g", c.InitializerRange)
	}

	if c.AttType < 0 || int(c.AttType) >= len(attTypeNames) {
		return variantError("att_type", c.AttType.String(), attTypeNames)
	}
	if c.AdverType < 0 || int(c.AdverType) >= len(adverTypeNames) {
		return variantError("adver_type", c.AdverType.String(), adverTypeNames)
	}
	if c.AttPriorType < 0 || int(c.AttPriorType) >= len(priorTypeNames) {
		return variantError("att_prior_type", c.AttPriorType.String(), priorTypeNames)
	}
	if c.AttSENonlinear < 0 || int(c.AttSENonlinear) >= len(nonlinearityNames) {
		return variantError("att_se_nonlinear", c.AttSENonlinear.String(), nonlinearityNames)
	}

	if c.Rho < 0 || c.Rho > 1 {
		return configError("rho must be in [0, 1], got %g", c.Rho)
	}
	for name, v := range map[string]float64{
		"k_weibull":              c.KWeibull,
		"sigma_normal_posterior": c.SigmaNormalPosterior,
		"alpha_gamma":            c.AlphaGamma,
		"beta_gamma":             c.BetaGamma,
		"sigma_normal_prior":     c.SigmaNormalPrior,
	} {
		if v <= 0 {
			return configError("%s must be > 0, got %g", name, v)
		}
	}
	if c.AttSEHidSize <= 0 {
		return configError("att_se_hid_size must be > 0, got %d", c.AttSEHidSize)
	}
	if c.GradReverseBeta < 0 {
		return configError("grad_reverse_beta must be >= 0, got %g", c.GradReverseBeta)
	}
	if c.AdverType == AdverMMD && (c.MMDKernelMul <= 1 || c.MMDKernelNum <= 0) {
		return configError("mmd needs kernel_mul > 1 and kernel_num > 0, got %g and %d",
			c.MMDKernelMul, c.MMDKernelNum)
	}
	if c.AdverType == AdverOT {
		if err := c.Sinkhorn.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FileConfig is the JSON form of Config, using the option names of the
// ALBERT configuration files.
type FileConfig struct {
	HiddenSize            int     `json:"hidden_size"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumHiddenGroups       int     `json:"num_hidden_groups"`
	InnerGroupNum         int     `json:"inner_group_num"`
	EmbeddingSize         int     `json:"embedding_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	HiddenAct             string  `json:"hidden_act"`
	LayerNormEps          float64 `json:"layer_norm_eps"`
	AttentionProbsDropout float64 `json:"attention_probs_dropout_prob"`
	HiddenDropout         float64 `json:"hidden_dropout_prob"`
	InitializerRange      float64 `json:"initializer_range"`

	AttType      string `json:"att_type"`
	AdverType    string `json:"adver_type"`
	AttPriorType string `json:"att_prior_type"`

	Rho                  float64 `json:"rho"`
	KWeibull             float64 `json:"k_weibull"`
	SigmaNormalPosterior float64 `json:"sigma_normal_posterior"`
	AlphaGamma           float64 `json:"alpha_gamma"`
	BetaGamma            float64 `json:"beta_gamma"`
	SigmaNormalPrior     float64 `json:"sigma_normal_prior"`

	AttContextualSE bool   `json:"att_contextual_se"`
	AttSEHidSize    int    `json:"att_se_hid_size"`
	AttSENonlinear  string `json:"att_se_nonlinear"`

	GradReverseBeta            float64 `json:"grad_reverse_beta"`
	EvaluationUsesPlainSoftmax bool    `json:"evaluation_uses_plain_softmax"`
	LearnWeibullShape          bool    `json:"learn_weibull_shape"`
	OutputAttentions           bool    `json:"output_attentions"`
	OutputHiddenStates         bool    `json:"output_hidden_states"`

	MMDKernelMul float64 `json:"mmd_kernel_mul"`
	MMDKernelNum int     `json:"mmd_kernel_num"`

	Sinkhorn FileSinkhorn `json:"sinkhorn"`
}

// FileSinkhorn is the JSON form of SinkhornConfig.
type FileSinkhorn struct {
	Epsilon   float64 `json:"eps"`
	MaxIter   int     `json:"max_iter"`
	Threshold float64 `json:"thresh"`
	P         float64 `json:"p"`
	Reduction string  `json:"reduction"`
	Workers   int     `json:"workers"`
}

// FileConfig converts c to its JSON form.
func (c Config) FileConfig() FileConfig {
	return FileConfig{
		HiddenSize:            c.HiddenSize,
		NumAttentionHeads:     c.NumAttentionHeads,
		NumHiddenLayers:       c.NumHiddenLayers,
		NumHiddenGroups:       c.NumHiddenGroups,
		InnerGroupNum:         c.InnerGroupNum,
		EmbeddingSize:         c.EmbeddingSize,
		IntermediateSize:      c.IntermediateSize,
		HiddenAct:             c.HiddenAct,
		LayerNormEps:          c.LayerNormEps,
		AttentionProbsDropout: c.AttentionProbsDropout,
		HiddenDropout:         c.HiddenDropout,
		InitializerRange:      c.InitializerRange,

		AttType:      c.AttType.String(),
		AdverType:    c.AdverType.String(),
		AttPriorType: c.AttPriorType.String(),

		Rho:                  c.Rho,
		KWeibull:             c.KWeibull,
		SigmaNormalPosterior: c.SigmaNormalPosterior,
		AlphaGamma:           c.AlphaGamma,
		BetaGamma:            c.BetaGamma,
		SigmaNormalPrior:     c.SigmaNormalPrior,

		AttContextualSE: c.AttContextualSE,
		AttSEHidSize:    c.AttSEHidSize,
		AttSENonlinear:  c.AttSENonlinear.String(),

		GradReverseBeta:            c.GradReverseBeta,
		EvaluationUsesPlainSoftmax: c.EvaluationUsesPlainSoftmax,
		LearnWeibullShape:          c.LearnWeibullShape,
		OutputAttentions:           c.OutputAttentions,
		OutputHiddenStates:         c.OutputHiddenStates,

		MMDKernelMul: c.MMDKernelMul,
		MMDKernelNum: c.MMDKernelNum,

		Sinkhorn: FileSinkhorn{
			Epsilon:   c.Sinkhorn.Epsilon,
			MaxIter:   c.Sinkhorn.MaxIter,
			Threshold: c.Sinkhorn.Threshold,
			P:         c.Sinkhorn.P,
			Reduction: string(c.Sinkhorn.Reduction),
			Workers:   c.Sinkhorn.Workers,
		},
	}
}

// ParseConfig resolves variant names and validates the result.
func ParseConfig(fc FileConfig) (Config, error) {
	att, err := ParseAttType(fc.AttType)
	if err != nil {
		return Config{}, err
	}
	adver, err := ParseAdverType(fc.AdverType)
	if err != nil {
		return Config{}, err
	}
	prior, err := ParsePriorType(fc.AttPriorType)
	if err != nil {
		return Config{}, err
	}
	nl, err := ParseNonlinearity(fc.AttSENonlinear)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		HiddenSize:            fc.HiddenSize,
		NumAttentionHeads:     fc.NumAttentionHeads,
		NumHiddenLayers:       fc.NumHiddenLayers,
		NumHiddenGroups:       fc.NumHiddenGroups,
		InnerGroupNum:         fc.InnerGroupNum,
		EmbeddingSize:         fc.EmbeddingSize,
		IntermediateSize:      fc.IntermediateSize,
		HiddenAct:             fc.HiddenAct,
		LayerNormEps:          fc.LayerNormEps,
		AttentionProbsDropout: fc.AttentionProbsDropout,
		HiddenDropout:         fc.HiddenDropout,
		InitializerRange:      fc.InitializerRange,

		AttType:      att,
		AdverType:    adver,
		AttPriorType: prior,

		Rho:                  fc.Rho,
		KWeibull:             fc.KWeibull,
		SigmaNormalPosterior: fc.SigmaNormalPosterior,
		AlphaGamma:           fc.AlphaGamma,
		BetaGamma:            fc.BetaGamma,
		SigmaNormalPrior:     fc.SigmaNormalPrior,

		AttContextualSE: fc.AttContextualSE,
		AttSEHidSize:    fc.AttSEHidSize,
		AttSENonlinear:  nl,

		GradReverseBeta:            fc.GradReverseBeta,
		EvaluationUsesPlainSoftmax: fc.EvaluationUsesPlainSoftmax,
		LearnWeibullShape:          fc.LearnWeibullShape,
		OutputAttentions:           fc.OutputAttentions,
		OutputHiddenStates:         fc.OutputHiddenStates,

		MMDKernelMul: fc.MMDKernelMul,
		MMDKernelNum: fc.MMDKernelNum,

		Sinkhorn: SinkhornConfig{
			Epsilon:   fc.Sinkhorn.Epsilon,
			MaxIter:   fc.Sinkhorn.MaxIter,
			Threshold: fc.Sinkhorn.Threshold,
			P:         fc.Sinkhorn.P,
			Reduction: Reduction(fc.Sinkhorn.Reduction),
			Workers:   fc.Sinkhorn.Workers,
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DecodeConfig reads JSON over the defaults, so omitted options keep their
// DefaultConfig values.
func DecodeConfig(data []byte) (Config, error) {
	fc := DefaultConfig().FileConfig()
	if err := json.Unmarshal(data, &fc); err != nil {
		return Config{}, &Error{
			Component:  "Config",
			ErrorType:  "decode",
			Phase:      "load",
			LayerIndex: -1,
			Cause:      err.Error(),
			Err:        ErrInvalidConfig,
		}
	}
	return ParseConfig(fc)
}

// LoadConfig reads a JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("attnflow: read config: %w", err)
	}
	return DecodeConfig(data)
}
