package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateMining, MiningConfig{})
	return v
}

// validateMining requires a reward destination when mining is enabled.
func validateMining(sl validator.StructLevel) {
	m := sl.Current().Interface().(MiningConfig)
	if m.Enabled && m.Coinbase == "" && m.KeyFile == "" {
		sl.ReportError(m.Coinbase, "Coinbase", "Coinbase", "coinbase_or_keyfile", "")
	}
}

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return describe(err)
	}
	if cfg.Mining.Coinbase != "" {
		net, err := ForNetwork(cfg.NetworkType())
		if err != nil {
			return err
		}
		if err := types.ValidateAddress(cfg.Mining.Coinbase, net.HRP); err != nil {
			return fmt.Errorf("mining.coinbase: %w", err)
		}
	}
	return nil
}

// Validate checks the network parameters for internal consistency.
func (n *NetworkConfig) Validate() error {
	if n == nil {
		return fmt.Errorf("network config is nil")
	}
	if err := validate.Struct(n); err != nil {
		return describe(err)
	}
	p := n.PoW
	switch {
	case p.MinTarget.Sign() <= 0:
		return fmt.Errorf("pow.min_target must be > 0")
	case p.MinTarget.Cmp(p.MaxTarget) > 0:
		return fmt.Errorf("pow.min_target exceeds pow.max_target")
	case p.GenesisTarget.Cmp(p.MinTarget) < 0 || p.GenesisTarget.Cmp(p.MaxTarget) > 0:
		return fmt.Errorf("pow.genesis_target outside [min_target, max_target]")
	case len(p.MaxTarget.Bytes()) > MaxTargetBytes:
		return fmt.Errorf("pow.max_target exceeds %d bytes", MaxTargetBytes)
	}
	return nil
}

// describe turns validator errors into "field.path: rule" messages.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", fieldPath(fe.Namespace()), rule, fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// fieldPath maps "Config.Mining.Threads" to "mining.threads".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	return strings.ToLower(ns)
}
