package flute

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

type FdtPublishMode int

const (
	// Every FDT instance lists all current objects; receivers replace
	// their view atomically
	FDT_PUBLISH_FULL FdtPublishMode = iota
	// Instances list only additions; receivers union with prior state
	FDT_PUBLISH_INCREMENTAL
)

type ToiAllocation int

const (
	TOI_ALLOCATION_SEQUENTIAL ToiAllocation = iota
	TOI_ALLOCATION_RANDOM
)

type SenderConfig struct {
	MaxPriorityQueues       int
	InterleaveBlocks        int
	ConcurrentFilesPerQueue int
	FdtPublishMode          FdtPublishMode
	FdtCarouselInterval     time.Duration
	// Validity attached to published FDT instances
	FdtExpires           time.Duration
	ToiAllocation        ToiAllocation
	ExtensionTimePeriod  time.Duration
	RandomizeSymbolOrder bool
	Md5Enabled           bool
}

func NewSenderConfig() *SenderConfig {
	return &SenderConfig{
		MaxPriorityQueues:       3,
		InterleaveBlocks:        4,
		ConcurrentFilesPerQueue: 3,
		FdtPublishMode:          FDT_PUBLISH_FULL,
		FdtCarouselInterval:     time.Second,
		FdtExpires:              60 * time.Second,
		ToiAllocation:           TOI_ALLOCATION_SEQUENTIAL,
		ExtensionTimePeriod:     time.Second,
		Md5Enabled:              true,
	}
}

func (config *SenderConfig) Validate() error {
	if config.MaxPriorityQueues < 1 {
		return fmt.Errorf("%w: need at least one priority queue", ErrConfig)
	}
	if config.InterleaveBlocks < 1 {
		return fmt.Errorf("%w: interleave blocks must be at least 1", ErrConfig)
	}
	if config.ConcurrentFilesPerQueue < 1 {
		return fmt.Errorf("%w: concurrent files must be at least 1", ErrConfig)
	}
	if config.FdtCarouselInterval <= 0 {
		return fmt.Errorf("%w: FDT carousel interval must be positive", ErrConfig)
	}
	if config.FdtExpires <= 0 {
		return fmt.Errorf("%w: FDT expiry must be positive", ErrConfig)
	}
	return nil
}

type ReceiverConfig struct {
	SessionIdleTTL          time.Duration
	ObjectCompletionTimeout time.Duration
	MaxParkedBytesPerObject int
	MaxCachedFdts           int
	Md5CheckEnabled         bool
	// Close-session packets evict the session after draining
	EnableCloseSessionEviction bool
}

func NewReceiverConfig() *ReceiverConfig {
	return &ReceiverConfig{
		SessionIdleTTL:             30 * time.Second,
		ObjectCompletionTimeout:    60 * time.Second,
		MaxParkedBytesPerObject:    1 << 22,
		MaxCachedFdts:              8,
		Md5CheckEnabled:            true,
		EnableCloseSessionEviction: true,
	}
}

func (config *ReceiverConfig) Validate() error {
	if config.SessionIdleTTL <= 0 {
		return fmt.Errorf("%w: session idle TTL must be positive", ErrConfig)
	}
	if config.ObjectCompletionTimeout <= 0 {
		return fmt.Errorf("%w: object completion timeout must be positive", ErrConfig)
	}
	if config.MaxParkedBytesPerObject < 0 {
		return fmt.Errorf("%w: parked byte budget cannot be negative", ErrConfig)
	}
	if config.MaxCachedFdts < 1 {
		return fmt.Errorf("%w: need to cache at least one FDT", ErrConfig)
	}
	return nil
}

// LoadConfig reads sender, receiver and OTI settings from an ini file.
// Missing sections or keys keep their defaults.
//
//	[sender]
//	interleave_blocks = 4
//	fdt_publish_mode = full
//	[receiver]
//	session_idle_ttl = 30s
//	[oti]
//	fec_encoding_id = 5
//	encoding_symbol_length = 1024
//	max_number_of_parity_symbols = 16
func LoadConfig(path string) (*SenderConfig, *ReceiverConfig, *Oti, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	senderConfig := NewSenderConfig()
	receiverConfig := NewReceiverConfig()
	oti := NewOti()

	if section := file.Section("sender"); section != nil {
		senderConfig.MaxPriorityQueues = section.Key("max_priority_queues").MustInt(senderConfig.MaxPriorityQueues)
		senderConfig.InterleaveBlocks = section.Key("interleave_blocks").MustInt(senderConfig.InterleaveBlocks)
		senderConfig.ConcurrentFilesPerQueue = section.Key("concurrent_files_per_queue").MustInt(senderConfig.ConcurrentFilesPerQueue)
		if mode := section.Key("fdt_publish_mode").MustString("full"); mode == "incremental" {
			senderConfig.FdtPublishMode = FDT_PUBLISH_INCREMENTAL
		}
		senderConfig.FdtCarouselInterval = section.Key("fdt_carousel_interval").MustDuration(senderConfig.FdtCarouselInterval)
		senderConfig.FdtExpires = section.Key("fdt_expires").MustDuration(senderConfig.FdtExpires)
		if policy := section.Key("toi_allocation").MustString("sequential"); policy == "random" {
			senderConfig.ToiAllocation = TOI_ALLOCATION_RANDOM
		}
		senderConfig.ExtensionTimePeriod = section.Key("extension_time_period").MustDuration(senderConfig.ExtensionTimePeriod)
		senderConfig.RandomizeSymbolOrder = section.Key("randomize_symbol_order").MustBool(false)
		senderConfig.Md5Enabled = section.Key("md5_enabled").MustBool(senderConfig.Md5Enabled)
	}
	if section := file.Section("receiver"); section != nil {
		receiverConfig.SessionIdleTTL = section.Key("session_idle_ttl").MustDuration(receiverConfig.SessionIdleTTL)
		receiverConfig.ObjectCompletionTimeout = section.Key("object_completion_timeout").MustDuration(receiverConfig.ObjectCompletionTimeout)
		receiverConfig.MaxParkedBytesPerObject = section.Key("max_parked_bytes_per_object").MustInt(receiverConfig.MaxParkedBytesPerObject)
		receiverConfig.MaxCachedFdts = section.Key("max_cached_fdts").MustInt(receiverConfig.MaxCachedFdts)
		receiverConfig.Md5CheckEnabled = section.Key("md5_check_enabled").MustBool(receiverConfig.Md5CheckEnabled)
		receiverConfig.EnableCloseSessionEviction = section.Key("enable_close_session_eviction").MustBool(receiverConfig.EnableCloseSessionEviction)
	}
	if section := file.Section("oti"); section != nil {
		oti.FecEncodingID = uint8(section.Key("fec_encoding_id").MustUint(uint(oti.FecEncodingID)))
		oti.EncodingSymbolLength = uint16(section.Key("encoding_symbol_length").MustUint(uint(oti.EncodingSymbolLength)))
		oti.MaximumSourceBlockLength = uint32(section.Key("maximum_source_block_length").MustUint(uint(oti.MaximumSourceBlockLength)))
		oti.MaxNumberOfParitySymbols = uint32(section.Key("max_number_of_parity_symbols").MustUint(uint(oti.MaxNumberOfParitySymbols)))
		oti.InbandOti = section.Key("inband_oti").MustBool(oti.InbandOti)
	}
	if err := senderConfig.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if err := receiverConfig.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if err := oti.Validate(); err != nil {
		return nil, nil, nil, err
	}
	return senderConfig, receiverConfig, &oti, nil
}
