package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentworkforce/qbanksync/internal/collection"
	"github.com/agentworkforce/qbanksync/internal/config"
	"github.com/agentworkforce/qbanksync/internal/filter"
	"github.com/agentworkforce/qbanksync/internal/listscreen"
	"github.com/agentworkforce/qbanksync/internal/undo"
	"github.com/agentworkforce/qbanksync/internal/urlsync"
)

const usage = `usage: qbank-sync [flags] <command> [args]

commands:
  list                     print the page described by --query
  watch                    print the page again whenever the collection changes
  get <id>                 print one question
  delete <id>              delete a question after confirmation
  restore                  undo the last delete while its window is open
  edit <id> field=value... update prompt, answer, explanation, topic, difficulty, status
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cli := &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	if err := cli.run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "qbank-sync:", err)
		os.Exit(1)
	}
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) run(ctx context.Context, args []string) error {
	cfg, rest, err := config.Load("qbank-sync", args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		fmt.Fprint(c.stderr, usage)
		return errors.New("command is required")
	}
	logger, err := newLogger(cfg.LogLevel, c.stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	screen, client, err := c.buildScreen(cfg, logger)
	if err != nil {
		return err
	}
	defer screen.Close()

	command, params := rest[0], rest[1:]
	switch command {
	case "list":
		return c.list(ctx, screen, cfg.Timeout)
	case "watch":
		return c.watch(ctx, screen, cfg, logger)
	case "get":
		id, err := parseID(params)
		if err != nil {
			return err
		}
		rec, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		c.printRecord(rec)
		return nil
	case "delete":
		id, err := parseID(params)
		if err != nil {
			return err
		}
		screen.Load()
		err = screen.Delete(ctx, id)
		c.printNotice(screen.State())
		if errors.Is(err, listscreen.ErrDeleteCanceled) {
			return nil
		}
		return err
	case "restore":
		screen.Load()
		_, err := screen.RestoreLast(ctx)
		c.printNotice(screen.State())
		if errors.Is(err, undo.ErrNothingToRestore) || errors.Is(err, undo.ErrExpired) {
			return nil
		}
		return err
	case "edit":
		id, err := parseID(params)
		if err != nil {
			return err
		}
		rec, err := screen.Open(ctx, id)
		if err != nil {
			return err
		}
		in, err := applyEdits(rec.Input(), params[1:])
		if err != nil {
			return err
		}
		saved, err := screen.Save(ctx, id, in)
		c.printNotice(screen.State())
		if err != nil {
			return err
		}
		c.printRecord(saved)
		return nil
	default:
		fmt.Fprint(c.stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (c *cli) buildScreen(cfg *config.Config, logger *zap.Logger) (*listscreen.Screen, *collection.HTTPClient, error) {
	codec, err := filter.NewCodec(cfg.LegacySortMode)
	if err != nil {
		return nil, nil, err
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	client := collection.NewHTTPClient(collection.ClientOptions{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		Logger:     logger,
		MaxRetries: maxRetries,
	})
	var storage undo.Storage = undo.NewMemoryStorage()
	if cfg.UndoFile != "" {
		fileStorage, err := undo.NewFileStorage(cfg.UndoFile)
		if err != nil {
			return nil, nil, err
		}
		storage = fileStorage
	}
	screen, err := listscreen.New(listscreen.Options{
		Client:      client,
		Codec:       codec,
		Location:    urlsync.NewMemoryLocation(cfg.Query),
		Confirm:     c.confirm,
		UndoStorage: storage,
		UndoTTL:     cfg.UndoTTL,
		Debounce:    cfg.Debounce,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return screen, client, nil
}

func (c *cli) list(ctx context.Context, screen *listscreen.Screen, timeout time.Duration) error {
	screen.Load()
	st, err := waitForPage(ctx, screen, 1, timeout)
	if err != nil {
		return err
	}
	if st.Err != nil {
		return st.Err
	}
	c.printPage(st)
	return nil
}

// watch keeps the change feed open, reconnecting after a jittered delay
// whenever it drops.
func (c *cli) watch(ctx context.Context, screen *listscreen.Screen, cfg *config.Config, logger *zap.Logger) error {
	if err := c.list(ctx, screen, cfg.Timeout); err != nil {
		return err
	}
	printed := screen.State().Fetches
	go func() {
		for {
			st, err := screen.WaitFor(ctx, func(st listscreen.State) bool {
				return st.Fetches > printed && !st.Loading
			})
			if err != nil {
				return
			}
			printed = st.Fetches
			c.printPage(st)
		}
	}()

	jitter := clampJitterRatio(cfg.ReconnectJitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		err := screen.Follow(ctx)
		if ctx.Err() != nil {
			logger.Info("watch stopping", zap.Error(ctx.Err()))
			return nil
		}
		delay := jitteredIntervalWithSample(cfg.Reconnect, jitter, rng.Float64())
		logger.Warn("change feed dropped, reconnecting", zap.Error(err), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		screen.Submit()
	}
}

func waitForPage(ctx context.Context, screen *listscreen.Screen, fetches int, timeout time.Duration) (listscreen.State, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return screen.WaitFor(ctx, func(st listscreen.State) bool {
		return st.Fetches >= fetches && !st.Loading
	})
}

func (c *cli) confirm(_ context.Context, rec collection.Record) bool {
	fmt.Fprintf(c.stdout, "Delete question %d (%s, %s) %q? [y/N] ", rec.ID, rec.Status, rec.Difficulty, truncate(rec.Prompt, 60))
	line, err := bufio.NewReader(c.stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (c *cli) printPage(st listscreen.State) {
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDIFFICULTY\tTOPIC\tUPDATED\tPROMPT")
	for _, rec := range st.Page.Results {
		topic := rec.Topic
		if topic == "" && rec.TopicID > 0 {
			topic = strconv.FormatInt(rec.TopicID, 10)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Status, rec.Difficulty, topic,
			rec.UpdatedAt.UTC().Format(time.RFC3339), truncate(rec.Prompt, 60))
	}
	_ = w.Flush()
	if st.Spec.Keyset {
		fmt.Fprintf(c.stdout, "%d of %d", len(st.Page.Results), st.Page.Total)
		if st.Page.NextCursor != "" {
			fmt.Fprintf(c.stdout, ", next cursor %s", st.Page.NextCursor)
		}
		fmt.Fprintln(c.stdout)
		return
	}
	fmt.Fprintf(c.stdout, "page %d, %d per page, %d total\n", st.Spec.Page, st.Spec.PageSize, st.Page.Total)
}

func (c *cli) printRecord(rec collection.Record) {
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%d\n", rec.ID)
	fmt.Fprintf(w, "status\t%s\n", rec.Status)
	fmt.Fprintf(w, "difficulty\t%s\n", rec.Difficulty)
	if rec.Topic != "" {
		fmt.Fprintf(w, "topic\t%s\n", rec.Topic)
	}
	fmt.Fprintf(w, "prompt\t%s\n", rec.Prompt)
	if len(rec.Choices) > 0 {
		fmt.Fprintf(w, "choices\t%s\n", strings.Join(rec.Choices, " | "))
	}
	if rec.Answer != "" {
		fmt.Fprintf(w, "answer\t%s\n", rec.Answer)
	}
	fmt.Fprintf(w, "updated\t%s\n", rec.UpdatedAt.UTC().Format(time.RFC3339))
	_ = w.Flush()
}

func (c *cli) printNotice(st listscreen.State) {
	if st.Notice != nil {
		fmt.Fprintln(c.stdout, st.Notice.String())
	}
}

func applyEdits(in collection.RecordInput, edits []string) (collection.RecordInput, error) {
	if len(edits) == 0 {
		return in, errors.New("edit needs at least one field=value")
	}
	for _, edit := range edits {
		field, value, ok := strings.Cut(edit, "=")
		if !ok {
			return in, fmt.Errorf("invalid edit %q, want field=value", edit)
		}
		switch strings.ToLower(strings.TrimSpace(field)) {
		case "prompt":
			in.Prompt = value
		case "answer":
			in.Answer = value
		case "explanation":
			in.Explanation = value
		case "topic":
			in.Topic = value
		case "difficulty":
			in.Difficulty = value
		case "status":
			in.Status = value
		case "choices":
			in.Choices = splitList(value)
		case "tags":
			in.Tags = splitList(value)
		default:
			return in, fmt.Errorf("unknown field %q", field)
		}
	}
	return in, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseID(params []string) (int64, error) {
	if len(params) == 0 {
		return 0, errors.New("question id is required")
	}
	id, err := strconv.ParseInt(params[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid question id %q", params[0])
	}
	return id, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log-level %q: %w", level, err)
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
