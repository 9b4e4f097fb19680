package jobsource

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/pkg/sim"
)

// Options configures a Loader.
type Options struct {
	// Defaults fill settings an entry omits. Zero value uses sim.DefaultSettings.
	Defaults *sim.Settings

	// S3 configures access for s3:// inputs.
	S3 S3Config
}

// Loader resolves inputs and parses them into a Stream.
type Loader struct {
	parser  parser
	s3cfg   S3Config
	objects ObjectGetter
	logger  *zap.Logger
}

// NewLoader creates a loader. The S3 client is created lazily on the first
// s3:// input.
func NewLoader(opts Options, logger *zap.Logger) *Loader {
	defaults := sim.DefaultSettings()
	if opts.Defaults != nil {
		defaults = *opts.Defaults
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		parser: parser{defaults: defaults},
		s3cfg:  opts.S3,
		logger: logger,
	}
}

// WithObjectGetter sets the client used for s3:// inputs.
// Returns the loader for method chaining.
func (l *Loader) WithObjectGetter(g ObjectGetter) *Loader {
	l.objects = g
	return l
}

// Load reads every input in order and numbers the entries from zero.
//
// Local inputs may be doublestar globs ("jobs/**/*.jsonl"); matches are
// read in lexical order. s3://bucket/key inputs name a single object.
func (l *Loader) Load(ctx context.Context, inputs ...string) (*Stream, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("at least one job input is required")
	}

	var specs []sim.JobSpec
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		names, err := l.expand(input)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			data, err := l.read(ctx, name)
			if err != nil {
				return nil, err
			}
			format, err := DetectFormat(name)
			if err != nil {
				return nil, err
			}
			reqs, err := l.parser.Parse(name, format, data)
			if err != nil {
				return nil, err
			}
			for _, req := range reqs {
				specs = append(specs, sim.JobSpec{Index: int64(len(specs)), Request: req})
			}
			l.logger.Debug("Loaded job input",
				zap.String("input", name),
				zap.String("format", string(format)),
				zap.Int("entries", len(reqs)))
		}
	}

	l.logger.Info("Job inputs loaded", zap.Int("inputs", len(inputs)), zap.Int("jobs", len(specs)))
	return NewStream(specs), nil
}

func (l *Loader) expand(input string) ([]string, error) {
	if isS3URI(input) {
		return []string{input}, nil
	}
	if !hasMeta(input) {
		if _, err := os.Stat(input); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrInputNotFound, input)
			}
			return nil, fmt.Errorf("stat %s: %w", input, err)
		}
		return []string{input}, nil
	}

	matches, err := doublestar.FilepathGlob(input, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", input, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no files match %s", ErrInputNotFound, input)
	}
	sort.Strings(matches)
	return matches, nil
}

func (l *Loader) read(ctx context.Context, name string) ([]byte, error) {
	if !isS3URI(name) {
		data, err := os.ReadFile(name)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrInputNotFound, name)
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}

	if l.objects == nil {
		client, err := NewS3Client(ctx, l.s3cfg)
		if err != nil {
			return nil, err
		}
		l.objects = client
	}
	return readObject(ctx, l.objects, name)
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
