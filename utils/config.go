package utils

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v2"

	"github.com/alpacahq/durablemap/utils/log"
)

const (
	defaultIndexSuffix        = ".map"
	defaultWriteBufferSize    = 32 * 1024
	defaultMinRecordsForScore = 1000
	defaultMinCompactionScore = 0.01
	defaultCompactionTrigger  = 0.5
	defaultLoaderWorkers      = 8
)

// RecoveryPolicy tells the map factory what to do with an index that was not
// closed properly or cannot be read.
type RecoveryPolicy string

const (
	// RecoveryRebuild clears the index and replays the log into it.
	RecoveryRebuild RecoveryPolicy = "rebuild"
	// RecoveryDropAndCreateEmpty clears the index and keeps it empty.
	// Every live mapping of the map is lost.
	RecoveryDropAndCreateEmpty RecoveryPolicy = "drop"
)

type CompactionSetting struct {
	MinRecordsForScore int
	MinScore           float64
	Threshold          float64
}

type MapConfig struct {
	RootDirectory   string
	LogLevel        log.Level
	IndexSuffix     string
	WriteBufferSize int
	FsyncOnFlush    bool
	RecoveryPolicy  RecoveryPolicy
	Compaction      CompactionSetting
	LoaderWorkers   int
}

// DefaultConfig returns a configuration rooted at rootDir with every
// optional setting at its default.
func DefaultConfig(rootDir string) *MapConfig {
	return &MapConfig{
		RootDirectory:   rootDir,
		LogLevel:        log.INFO,
		IndexSuffix:     defaultIndexSuffix,
		WriteBufferSize: defaultWriteBufferSize,
		RecoveryPolicy:  RecoveryRebuild,
		Compaction: CompactionSetting{
			MinRecordsForScore: defaultMinRecordsForScore,
			MinScore:           defaultMinCompactionScore,
			Threshold:          defaultCompactionTrigger,
		},
		LoaderWorkers: defaultLoaderWorkers,
	}
}

func ParseConfig(data []byte) (*MapConfig, error) {
	var aux struct {
		RootDirectory   string `yaml:"root_directory"`
		LogLevel        string `yaml:"log_level"`
		IndexSuffix     string `yaml:"index_suffix"`
		WriteBufferSize string `yaml:"write_buffer_size"`
		FsyncOnFlush    bool   `yaml:"fsync_on_flush"`
		RecoveryPolicy  string `yaml:"recovery_policy"`
		Compaction      struct {
			MinRecords int     `yaml:"min_records"`
			MinScore   float64 `yaml:"min_score"`
			Threshold  float64 `yaml:"threshold"`
		} `yaml:"compaction"`
		LoaderWorkers int `yaml:"loader_workers"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if aux.RootDirectory == "" {
		log.Error("Invalid root directory.")
		return nil, errors.New("invalid root directory")
	}

	m := DefaultConfig(aux.RootDirectory)

	if aux.LogLevel != "" {
		m.LogLevel = log.ParseLevel(aux.LogLevel)
		log.SetLevel(m.LogLevel)
	}

	if aux.IndexSuffix != "" {
		if !strings.HasPrefix(aux.IndexSuffix, ".") {
			return nil, fmt.Errorf("index_suffix must start with '.': %q", aux.IndexSuffix)
		}
		m.IndexSuffix = aux.IndexSuffix
	}

	if aux.WriteBufferSize != "" {
		size, err := parseByteSize(aux.WriteBufferSize)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("invalid write_buffer_size: %q", aux.WriteBufferSize)
		}
		m.WriteBufferSize = size
	}

	m.FsyncOnFlush = aux.FsyncOnFlush

	switch RecoveryPolicy(strings.ToLower(aux.RecoveryPolicy)) {
	case "", RecoveryRebuild:
		m.RecoveryPolicy = RecoveryRebuild
	case RecoveryDropAndCreateEmpty:
		log.Warn("recovery_policy=drop: an index that was not closed properly will lose its mappings")
		m.RecoveryPolicy = RecoveryDropAndCreateEmpty
	default:
		return nil, fmt.Errorf("invalid recovery_policy: %q", aux.RecoveryPolicy)
	}

	if aux.Compaction.MinRecords > 0 {
		m.Compaction.MinRecordsForScore = aux.Compaction.MinRecords
	}
	if aux.Compaction.MinScore < 0 || aux.Compaction.MinScore > 1 {
		return nil, fmt.Errorf("compaction.min_score out of [0,1]: %v", aux.Compaction.MinScore)
	} else if aux.Compaction.MinScore > 0 {
		m.Compaction.MinScore = aux.Compaction.MinScore
	}
	if aux.Compaction.Threshold < 0 || aux.Compaction.Threshold > 1 {
		return nil, fmt.Errorf("compaction.threshold out of [0,1]: %v", aux.Compaction.Threshold)
	} else if aux.Compaction.Threshold > 0 {
		m.Compaction.Threshold = aux.Compaction.Threshold
	}

	if aux.LoaderWorkers > 0 {
		m.LoaderWorkers = aux.LoaderWorkers
	}

	return m, nil
}

// parseByteSize accepts a plain byte count or a size such as "64K" or "1MB".
func parseByteSize(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%s is too large", s)
	}
	return int(n), nil
}
