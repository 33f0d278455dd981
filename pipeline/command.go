package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/meridian/errors"
)

// Line protocol on the child's stdout. Anything else is logged at debug.
//
//	PROGRESS 40 compositing scenes
//	RESULT {"path": "out/1.mp4", "title": "..."}
const (
	progressPrefix = "PROGRESS "
	resultPrefix   = "RESULT "
)

// stderrTailLines is how much stderr is kept for the error of a failed run
const stderrTailLines = 20

// Command runs one configured program per call. The request is written to
// stdin as JSON; the program reports progress and its result on stdout.
type Command struct {
	argv   []string
	logger *zap.SugaredLogger
}

// NewCommand splits a shell-quoted command line
func NewCommand(line string, log *zap.SugaredLogger) (*Command, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse command line %q", line)
	}
	if len(argv) == 0 {
		return nil, errors.NewInvalidRequestError("empty command line")
	}
	return &Command{argv: argv, logger: log.With("command", argv[0])}, nil
}

// String returns the command line, re-quoted
func (c *Command) String() string {
	return shellquote.Join(c.argv...)
}

// Run executes the program once. out, when non-nil, receives the RESULT payload.
func (c *Command) Run(ctx context.Context, input interface{}, progress ProgressFunc, out interface{}) error {
	data, err := json.Marshal(input)
	if err != nil {
		return errors.Wrap(err, "failed to encode command input")
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stderr")
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %s", c.argv[0])
	}

	var wg sync.WaitGroup
	tail := &lineTail{max: stderrTailLines}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.logStderr(stderr, tail)
	}()

	result, scanErr := c.readStdout(stdout, progress)
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "%s interrupted", c.argv[0])
	}
	if waitErr != nil {
		err := errors.Wrapf(waitErr, "%s failed", c.argv[0])
		if t := tail.String(); t != "" {
			err = errors.WithDetail(err, t)
			err = errors.Wrapf(err, "%s", tail.last())
		}
		return err
	}
	if scanErr != nil {
		return errors.Wrapf(scanErr, "failed to read %s output", c.argv[0])
	}

	c.logger.Debugw("Command finished", "duration_ms", time.Since(started).Milliseconds())

	if out == nil {
		return nil
	}
	if result == nil {
		return errors.Newf("%s exited without a RESULT line", c.argv[0])
	}
	if err := json.Unmarshal(result, out); err != nil {
		return errors.Wrapf(err, "failed to parse %s result", c.argv[0])
	}
	return nil
}

// readStdout consumes the line protocol and returns the last RESULT payload
func (c *Command) readStdout(r io.Reader, progress ProgressFunc) ([]byte, error) {
	var result []byte
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, resultPrefix):
			result = []byte(strings.TrimPrefix(line, resultPrefix))
		case strings.HasPrefix(line, progressPrefix):
			pct, msg, ok := parseProgress(strings.TrimPrefix(line, progressPrefix))
			if !ok {
				c.logger.Debugw("Malformed progress line", "line", line)
				continue
			}
			if progress != nil {
				progress(pct, msg)
			}
		default:
			c.logger.Debugw(line)
		}
	}
	return result, scanner.Err()
}

func (c *Command) logStderr(r io.Reader, tail *lineTail) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		tail.add(line)
		c.logger.Debugw(line, "stream", "stderr")
	}
}

func parseProgress(s string) (int, string, bool) {
	num, msg, _ := strings.Cut(strings.TrimSpace(s), " ")
	pct, err := strconv.Atoi(num)
	if err != nil || pct < 0 || pct > 100 {
		return 0, "", false
	}
	return pct, strings.TrimSpace(msg), true
}

// lineTail keeps the last max lines written to it
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return ""
	}
	return t.lines[len(t.lines)-1]
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// CommandGenerator runs a generation program
type CommandGenerator struct {
	cmd *Command
}

// NewCommandGenerator wraps a generation command line
func NewCommandGenerator(line string, log *zap.SugaredLogger) (*CommandGenerator, error) {
	cmd, err := NewCommand(line, log)
	if err != nil {
		return nil, err
	}
	return &CommandGenerator{cmd: cmd}, nil
}

// Generate implements Generator
func (g *CommandGenerator) Generate(ctx context.Context, req Request, progress ProgressFunc) (*Artifact, error) {
	var artifact Artifact
	if err := g.cmd.Run(ctx, req, progress, &artifact); err != nil {
		return nil, err
	}
	if artifact.Path == "" {
		return nil, errors.Newf("%s returned an artifact without a path", g.cmd.argv[0])
	}
	return &artifact, nil
}

// CommandPublisher runs an upload program and a committed-dates program
type CommandPublisher struct {
	upload *Command
	dates  *Command
}

// NewCommandPublisher wraps the two publisher command lines. datesLine may be empty,
// in which case no commitments are ever reported.
func NewCommandPublisher(uploadLine, datesLine string, log *zap.SugaredLogger) (*CommandPublisher, error) {
	upload, err := NewCommand(uploadLine, log)
	if err != nil {
		return nil, errors.Wrap(err, "upload command")
	}
	p := &CommandPublisher{upload: upload}
	if datesLine != "" {
		if p.dates, err = NewCommand(datesLine, log); err != nil {
			return nil, errors.Wrap(err, "committed dates command")
		}
	}
	return p, nil
}

type uploadInput struct {
	Artifact *Artifact     `json:"artifact"`
	Options  UploadOptions `json:"options"`
}

// Upload implements Publisher
func (p *CommandPublisher) Upload(ctx context.Context, artifact *Artifact, opts UploadOptions) (*Upload, error) {
	var up Upload
	if err := p.upload.Run(ctx, uploadInput{Artifact: artifact, Options: opts}, nil, &up); err != nil {
		return nil, errors.Wrap(err, "upload failed")
	}
	return &up, nil
}

// CommittedDates implements Publisher. The program returns a JSON array of
// "YYYY-MM-DD" dates or RFC 3339 timestamps.
func (p *CommandPublisher) CommittedDates(ctx context.Context, loc *time.Location) ([]time.Time, error) {
	if p.dates == nil {
		return nil, nil
	}
	var raw []string
	if err := p.dates.Run(ctx, struct{}{}, nil, &raw); err != nil {
		return nil, err
	}
	return ParseDates(raw, loc)
}

// ParseDates accepts "YYYY-MM-DD" dates and RFC 3339 timestamps. A date
// without a time is midnight in loc, so it stays on the same calendar day
// there; nil loc means UTC.
func ParseDates(raw []string, loc *time.Location) ([]time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	dates := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
			dates = append(dates, t)
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, errors.Newf("unrecognized date %q", s)
		}
		dates = append(dates, t)
	}
	return dates, nil
}

// CommandBackfiller runs an idea-generation program
type CommandBackfiller struct {
	cmd *Command
}

// NewCommandBackfiller wraps a backfill command line
func NewCommandBackfiller(line string, log *zap.SugaredLogger) (*CommandBackfiller, error) {
	cmd, err := NewCommand(line, log)
	if err != nil {
		return nil, err
	}
	return &CommandBackfiller{cmd: cmd}, nil
}

type backfillInput struct {
	Count      int      `json:"count"`
	Categories []string `json:"categories"`
}

// Backfill implements Backfiller
func (b *CommandBackfiller) Backfill(ctx context.Context, count int, categories []string) ([]Idea, error) {
	var ideas []Idea
	if err := b.cmd.Run(ctx, backfillInput{Count: count, Categories: categories}, nil, &ideas); err != nil {
		return nil, errors.Wrap(err, "backfill failed")
	}
	return ideas, nil
}
