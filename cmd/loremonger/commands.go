package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/loremonger/internal/campaignfile"
	"github.com/thebtf/loremonger/internal/config"
	"github.com/thebtf/loremonger/internal/estimate"
	"github.com/thebtf/loremonger/internal/media"
	"github.com/thebtf/loremonger/internal/notes"
	"github.com/thebtf/loremonger/internal/pipeline"
	"github.com/thebtf/loremonger/internal/watcher"
	"github.com/thebtf/loremonger/internal/worker"
	"github.com/thebtf/loremonger/pkg/models"
)

func (a *app) dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	sub := ""
	if len(rest) > 0 {
		sub = rest[0]
	}

	switch {
	case cmd == "campaign" && sub == "import":
		return a.campaignImport(ctx, rest[1:])
	case cmd == "campaign" && sub == "list":
		return a.campaignList(ctx)
	case cmd == "session" && sub == "create":
		return a.sessionCreate(ctx, rest[1:])
	case cmd == "session" && sub == "list":
		return a.sessionList(ctx, rest[1:])
	case cmd == "secret" && sub == "set":
		return a.secretSet(ctx, rest[1:])
	case cmd == "process":
		return a.process(ctx, rest)
	case cmd == "serve":
		return a.serve(ctx)
	}
	return usageError(fmt.Sprintf("unknown command %q", strings.Join(args, " ")))
}

func (a *app) campaignImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("campaign import", flag.ContinueOnError)
	file := fs.String("file", "campaigns.yaml", "YAML campaign file")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}

	if _, err := os.Stat(*file); err != nil {
		return fmt.Errorf("campaign file: %w", err)
	}
	reg, err := campaignfile.Load(*file)
	if err != nil {
		return err
	}
	sum, err := reg.Import(ctx, a.campaigns)
	if err != nil {
		return err
	}
	fmt.Printf("campaigns: %d created, %d updated; players: %d added, %d updated\n",
		sum.Created, sum.Updated, sum.PlayersAdded, sum.PlayersUpdated)
	return nil
}

func (a *app) campaignList(ctx context.Context) error {
	campaigns, err := a.campaigns.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDM\tOUTPUT")
	for _, c := range campaigns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Name, c.DMName, c.OutputDirectory)
	}
	return tw.Flush()
}

func (a *app) sessionCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("session create", flag.ContinueOnError)
	campaignID := fs.String("campaign", "", "Campaign ID (required)")
	name := fs.String("name", "", "Session name")
	date := fs.String("date", "", "Session date, YYYY-MM-DD (default: today)")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *campaignID == "" {
		return usageError("-campaign is required")
	}

	when := time.Now()
	if *date != "" {
		d, err := time.ParseInLocation("2006-01-02", *date, time.Local)
		if err != nil {
			return usageError("-date must be YYYY-MM-DD")
		}
		when = d
	}

	c, err := a.campaigns.Get(ctx, *campaignID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("campaign %s not found", *campaignID)
	}
	s, err := a.sessions.Create(ctx, c.ID, *name, when)
	if err != nil {
		return err
	}
	fmt.Printf("%s\tsession %d of %s\n", s.ID, s.Number, c.Name)
	return nil
}

func (a *app) sessionList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("session list", flag.ContinueOnError)
	campaignID := fs.String("campaign", "", "Campaign ID (required)")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *campaignID == "" {
		return usageError("-campaign is required")
	}

	sessions, err := a.sessions.ListByCampaign(ctx, *campaignID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\t#\tNAME\tDATE\tNOTES")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.ID, s.Number, s.Name, s.Date.Format("2006-01-02"), s.FilePath)
	}
	return tw.Flush()
}

func (a *app) secretSet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("secret set", flag.ContinueOnError)
	key := fs.String("key", "", "Secret key, e.g. openai-api-key")
	value := fs.String("value", "", "Secret value")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *key == "" || *value == "" {
		return usageError("-key and -value are required")
	}
	if a.vault == nil {
		return fmt.Errorf("set %s to store secrets in the vault", passphraseEnv)
	}
	if err := a.vault.Insert(ctx, *key, []byte(*value)); err != nil {
		return err
	}
	a.creds.Invalidate(*key)
	fmt.Printf("stored %s in %s\n", *key, a.vault.Path())
	return nil
}

func (a *app) process(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	sessionID := fs.String("session", "", "Session ID (required)")
	debugNotes := fs.Bool("debug-notes", false, "Echo the transcript instead of calling the notes model")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *sessionID == "" || fs.NArg() == 0 {
		return usageError("-session and at least one file are required")
	}

	uploads := make([]media.Upload, 0, fs.NArg())
	for _, f := range fs.Args() {
		uploads = append(uploads, media.FileUpload{Path: f})
	}

	mode := a.notesMode()
	if *debugNotes {
		mode = notes.ModeDebug
	}
	orch, err := a.orchestrator(ctx, mode, &stdinPrompter{in: bufio.NewReader(os.Stdin), out: os.Stdout})
	if err != nil {
		return err
	}
	orch.Observe(func(e models.ProgressEntry) {
		fmt.Printf("[%s] %-14s %s\n", e.Timestamp.Format("15:04:05"), e.Tag, e.Message)
	})

	res, err := orch.Run(ctx, pipeline.Request{SessionID: *sessionID, Uploads: uploads})
	if err != nil {
		if pipeline.IsNoteGenerationAbsent(err) {
			fmt.Printf("transcript kept at %s\n", orch.TranscriptPath(*sessionID))
		}
		return err
	}

	fmt.Printf("notes:      %s\n", res.NotesPath)
	fmt.Printf("transcript: %s\n", res.TranscriptPath)
	fmt.Printf("tokens:     %d (%d words, est. %s)\n", res.Stats.Tokens, res.Stats.Words, estimate.FormatCost(res.Stats.Cost))
	return nil
}

func (a *app) serve(ctx context.Context) error {
	orch, err := a.orchestrator(ctx, a.notesMode(), nil)
	if err != nil {
		return err
	}

	svc := worker.NewService(Version, a.cfg, worker.Deps{
		Store:        a.store,
		Campaigns:    a.campaigns,
		Sessions:     a.sessions,
		Orchestrator: orch,
		Credentials:  a.creds,
	})

	w := a.startWatcher()
	if w != nil {
		defer w.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return svc.Shutdown(shutdownCtx)
}

// startWatcher drops cached credentials when the vault or settings change.
func (a *app) startWatcher() *watcher.Watcher {
	vaultPath := config.VaultPath()
	settingsPath := config.SettingsPath()

	w, err := watcher.New(func(path string) {
		switch path {
		case filepath.Clean(vaultPath):
			log.Info().Str("path", path).Msg("Vault changed, invalidating cached credentials")
			a.creds.Invalidate()
		case filepath.Clean(settingsPath):
			log.Warn().Str("path", path).Msg("Settings changed, restart the worker to apply them")
		}
	}, vaultPath, settingsPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create file watcher")
		return nil
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start file watcher")
		return nil
	}
	log.Info().Str("vault", vaultPath).Str("settings", settingsPath).Msg("File watcher started")
	return w
}

// stdinPrompter asks on the terminal where to save notes.
type stdinPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// SaveLocation accepts a directory (the suggested name is appended) or a
// full file path. An empty answer cancels.
func (p *stdinPrompter) SaveLocation(_ context.Context, suggestedName string) (string, bool, error) {
	fmt.Fprintf(p.out, "This campaign has no output directory.\nSave %s to (directory or file, empty to cancel): ", suggestedName)
	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", false, err
	}
	answer := strings.TrimSpace(line)
	if answer == "" {
		return "", false, nil
	}
	if info, err := os.Stat(answer); err == nil && info.IsDir() {
		answer = filepath.Join(answer, suggestedName)
	}
	return answer, true, nil
}
