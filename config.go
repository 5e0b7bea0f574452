package derecho

import (
	"fmt"
	"time"

	bstoml "github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/tamitakada/derecho/logger"
	"github.com/tamitakada/derecho/toml"
)

const (
	// DefaultHeartbeat is the interval between heartbeat ticks written into
	// the shared state table.
	DefaultHeartbeat = 100 * time.Millisecond

	// DefaultSenderTimeout is how long a sender may stay silent while others
	// are sending before a null message is injected on its behalf.
	DefaultSenderTimeout = time.Second

	// DefaultRestartTimeout bounds how long a restarting group waits for
	// previous members before giving up on them.
	DefaultRestartTimeout = 10 * time.Second

	// DefaultMaxPayloadSize is the largest payload a subgroup accepts by
	// default. The cutoff between the slot plane and the block plane is the
	// slot payload size (DefaultMaxSMCPayloadSize), not this value.
	DefaultMaxPayloadSize = 10 * 1024

	// DefaultMaxSMCPayloadSize is the largest payload carried in a shared
	// state table slot.
	DefaultMaxSMCPayloadSize = 1500

	// DefaultBlockSize is the block plane's chunk size.
	DefaultBlockSize = 1024 * 1024

	// DefaultWindowSize bounds in-flight messages per sender per subgroup.
	DefaultWindowSize = 3

	// DefaultP2PWindowSize bounds in-flight point-to-point requests per peer.
	DefaultP2PWindowSize = 16

	// DefaultMaxNodeID is the exclusive upper bound on node identifiers.
	DefaultMaxNodeID = 1024
)

// Profile is the per-subgroup slice of the configuration. A named
// [subgroup.<name>] section overrides the group-wide values for subgroups
// provisioned with that profile; zero values inherit.
type Profile struct {
	MaxPayloadSize      toml.Size `toml:"max-payload-size"`
	MaxReplyPayloadSize toml.Size `toml:"max-reply-payload-size"`
	MaxSMCPayloadSize   toml.Size `toml:"max-smc-payload-size"`
	BlockSize           toml.Size `toml:"block-size"`
	WindowSize          uint32    `toml:"window-size"`
	RDMCSendAlgorithm   string    `toml:"rdmc-send-algorithm"`
}

// MaxMessageSize returns the largest on-wire message for the profile,
// rounded up to a whole number of blocks when the block plane is in use.
func (p Profile) MaxMessageSize() uint64 {
	max := uint64(p.MaxPayloadSize) + HeaderSize
	if uint64(p.MaxPayloadSize) > uint64(p.MaxSMCPayloadSize) {
		if bs := uint64(p.BlockSize); max%bs != 0 {
			max = (max/bs + 1) * bs
		}
	}
	return max
}

// SSTMaxMessageSize returns the size of one slot-plane slot.
func (p Profile) SSTMaxMessageSize() uint64 {
	return uint64(p.MaxSMCPayloadSize) + HeaderSize
}

// Config holds every recognized configuration key, resolved once at process
// start and threaded through constructors as a frozen value.
type Config struct {
	LocalID   NodeID `toml:"local-id"`
	LocalIP   string `toml:"local-ip"`
	MaxNodeID uint32 `toml:"max-node-id"`

	ContactIP   string `toml:"contact-ip"`
	ContactPort uint16 `toml:"contact-port"`

	GMSPort           uint16 `toml:"gms-port"`
	StateTransferPort uint16 `toml:"state-transfer-port"`
	SSTPort           uint16 `toml:"sst-port"`
	RDMCPort          uint16 `toml:"rdmc-port"`
	ExternalPort      uint16 `toml:"external-port"`

	Heartbeat      toml.Duration `toml:"heartbeat"`
	SenderTimeout  toml.Duration `toml:"sender-timeout"`
	RestartTimeout toml.Duration `toml:"restart-timeout"`

	DisablePartitioningSafety bool `toml:"disable-partitioning-safety"`

	P2PWindowSize            uint32    `toml:"p2p-window-size"`
	MaxP2PRequestPayloadSize toml.Size `toml:"max-p2p-request-payload-size"`
	MaxP2PReplyPayloadSize   toml.Size `toml:"max-p2p-reply-payload-size"`

	// Defaults applies to every subgroup without a named profile.
	Defaults Profile `toml:"defaults"`

	// Subgroups holds named profile overrides, keyed by profile name.
	Subgroups map[string]Profile `toml:"subgroup"`

	Logging logger.Config `toml:"logging"`
}

// NewConfig returns a Config with all defaults filled in.
func NewConfig() Config {
	return Config{
		LocalIP:        "127.0.0.1",
		MaxNodeID:      DefaultMaxNodeID,
		GMSPort:        23580,
		StateTransferPort: 28366,
		SSTPort:        37683,
		RDMCPort:       31675,
		ExternalPort:   32645,
		Heartbeat:      toml.Duration(DefaultHeartbeat),
		SenderTimeout:  toml.Duration(DefaultSenderTimeout),
		RestartTimeout: toml.Duration(DefaultRestartTimeout),
		P2PWindowSize:  DefaultP2PWindowSize,
		MaxP2PRequestPayloadSize: toml.Size(DefaultMaxPayloadSize),
		MaxP2PReplyPayloadSize:   toml.Size(DefaultMaxPayloadSize),
		Defaults: Profile{
			MaxPayloadSize:      toml.Size(DefaultMaxPayloadSize),
			MaxReplyPayloadSize: toml.Size(DefaultMaxPayloadSize),
			MaxSMCPayloadSize:   toml.Size(DefaultMaxSMCPayloadSize),
			BlockSize:           toml.Size(DefaultBlockSize),
			WindowSize:          DefaultWindowSize,
			RDMCSendAlgorithm:   BinomialSend.String(),
		},
		Subgroups: make(map[string]Profile),
		Logging:   logger.NewConfig(),
	}
}

// DecodeConfigFile reads a TOML configuration file over the defaults.
func DecodeConfigFile(path string) (Config, error) {
	c := NewConfig()
	if _, err := bstoml.DecodeFile(path, &c); err != nil {
		return Config{}, errors.Wrapf(err, "decode config %s", path)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Profile resolves the profile for name, layering any named overrides on
// top of the group-wide defaults.
func (c Config) Profile(name string) Profile {
	p := c.Defaults
	o, ok := c.Subgroups[name]
	if !ok {
		return p
	}
	if o.MaxPayloadSize != 0 {
		p.MaxPayloadSize = o.MaxPayloadSize
	}
	if o.MaxReplyPayloadSize != 0 {
		p.MaxReplyPayloadSize = o.MaxReplyPayloadSize
	}
	if o.MaxSMCPayloadSize != 0 {
		p.MaxSMCPayloadSize = o.MaxSMCPayloadSize
	}
	if o.BlockSize != 0 {
		p.BlockSize = o.BlockSize
	}
	if o.WindowSize != 0 {
		p.WindowSize = o.WindowSize
	}
	if o.RDMCSendAlgorithm != "" {
		p.RDMCSendAlgorithm = o.RDMCSendAlgorithm
	}
	return p
}

// Validate returns an error if the Config is invalid. Unknown send
// algorithms and out-of-range identifiers are provisioning failures caught
// here, before any network activity.
func (c Config) Validate() error {
	if uint32(c.LocalID) >= c.MaxNodeID {
		return fmt.Errorf("%w: local-id %d >= max-node-id %d", ErrNodeIDOutOfRange, c.LocalID, c.MaxNodeID)
	}
	if time.Duration(c.Heartbeat) <= 0 {
		return fmt.Errorf("heartbeat must be positive")
	}
	if time.Duration(c.SenderTimeout) <= 0 {
		return fmt.Errorf("sender-timeout must be positive")
	}
	if c.P2PWindowSize == 0 {
		return fmt.Errorf("p2p-window-size must be positive")
	}
	if err := c.validateProfile("defaults", c.Defaults); err != nil {
		return err
	}
	for name := range c.Subgroups {
		if err := c.validateProfile(name, c.Profile(name)); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) validateProfile(name string, p Profile) error {
	if p.BlockSize == 0 {
		return fmt.Errorf("subgroup %s: block-size must be positive", name)
	}
	if p.WindowSize == 0 {
		return fmt.Errorf("subgroup %s: window-size must be positive", name)
	}
	if p.MaxPayloadSize == 0 {
		return fmt.Errorf("subgroup %s: max-payload-size must be positive", name)
	}
	if _, err := ParseSendAlgorithm(p.RDMCSendAlgorithm); err != nil {
		return errors.Wrapf(err, "subgroup %s", name)
	}
	return nil
}
