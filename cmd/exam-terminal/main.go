package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/stemsi/exstem-proctor/internal/client"
	"github.com/stemsi/exstem-proctor/internal/integrity"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/runner"
	"golang.org/x/term"
)

func main() {
	_ = godotenv.Load()

	apiURL := flag.String("api", envOr("EXAM_API_URL", "http://localhost:8080/api/v1"), "Base URL of the exam server")
	email := flag.String("email", "", "Candidate email (prompted when empty)")
	logPath := flag.String("log", "exam-terminal.log", "Log file; the terminal itself is used for the exam")
	flag.Parse()

	// ─── Initialize Logger ─────────────────────────────────────────────
	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	log := logger.New(logFile, envOr("LOG_LEVEL", "info"))

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "Error: exam-terminal needs an interactive terminal")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ─── Login ─────────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)
	api := client.New(*apiURL)

	fmt.Println("=== Exstem Proctored Exam ===")
	if *email == "" {
		*email = prompt(reader, "Email: ")
	}
	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Println("Error reading password")
		return
	}

	login, err := api.Login(ctx, strings.ToLower(*email), string(password))
	if err != nil {
		fmt.Printf("Login failed: %v\n", err)
		return
	}
	log.Info().Int("candidate_id", login.Candidate.ID).Msg("Candidate logged in")
	defer func() {
		if err := api.Logout(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Logout failed")
		}
	}()

	settings, err := api.Settings(ctx)
	if err != nil {
		fmt.Printf("Failed to load exam settings: %v\n", err)
		return
	}

	// ─── Session ───────────────────────────────────────────────────────
	ui := newScreen(os.Stdout)
	r := runner.New(api, runner.Config{
		OnState:  ui.stateChanged,
		OnTick:   ui.tick,
		OnNotice: ui.notice,
	}, log)
	defer r.Close()
	ui.runner = r

	if err := r.Load(ctx); err != nil && r.State() != runner.StateIneligible {
		fmt.Printf("Failed to load exam: %v\n", err)
		return
	}

	for {
		switch r.State() {
		case runner.StateIntro:
			printIntro(settings, login.Candidate.Name)
			prompt(reader, "Press Enter to read the rules...")
			if err := r.AcceptIntro(); err != nil {
				fmt.Println(err)
				return
			}

		case runner.StateRules:
			printRules(settings)
			if answer := prompt(reader, "Type \"start\" to begin: "); !strings.EqualFold(answer, "start") {
				fmt.Println("Exam not started.")
				return
			}
			if err := r.Begin(ctx); err != nil && r.State() != runner.StateIneligible {
				fmt.Printf("Failed to start exam: %v\n", err)
				return
			}

		case runner.StateActive, runner.StateSubmitting:
			monitor := integrity.NewMonitor(r, ui, settings.Escalation, integrity.Options{
				OnWarning: ui.warning,
			}, log)
			monitor.Restore(r.Counts())
			if err := ui.run(ctx, monitor); err != nil {
				log.Error().Err(err).Msg("Exam screen failed")
				fmt.Printf("Error: %v\n", err)
				return
			}
			if r.State() == runner.StateActive {
				fmt.Println("You left the exam screen. The timer keeps running; log in again to resume.")
				return
			}

		case runner.StateResult:
			printResult(r.Result(), settings)
			return

		case runner.StateIneligible:
			fmt.Printf("You cannot take the exam right now: %s\n", r.IneligibleReason())
			return

		default:
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func printIntro(s *model.PublicExamSettings, name string) {
	fmt.Printf("\nWelcome, %s.\n\n", name)
	fmt.Printf("  Questions:      %d (easy %d, medium %d, hard %d)\n", s.TotalQuestions,
		s.PerDifficultyCounts.Easy, s.PerDifficultyCounts.Medium, s.PerDifficultyCounts.Hard)
	fmt.Printf("  Duration:       %d minutes\n", s.DurationMinutes)
	fmt.Printf("  Pass threshold: %.0f%%\n\n", s.PassThreshold)
}

func printRules(s *model.PublicExamSettings) {
	fmt.Println("\nRules:")
	fmt.Println("  - The timer starts when you begin and keeps running if you disconnect.")
	fmt.Println("  - Answers are saved as you select them; you can change them until you submit.")
	fmt.Println("  - Leaving this window is recorded as a tab switch.")
	if l := s.Escalation.TabSwitch; l.SubmitAt > 0 {
		fmt.Printf("  - Your exam is submitted automatically after %d tab switches.\n", l.SubmitAt)
	}
	if l := s.Escalation.FullscreenExit; l.FlagAt > 0 {
		fmt.Printf("  - Shrinking the window %d times flags your attempt for review.\n", l.FlagAt)
	}
	fmt.Println("  - When the time runs out your answers are submitted as they are.")
	fmt.Println()
}

func printResult(res *model.AttemptResult, s *model.PublicExamSettings) {
	fmt.Println("\n=== Exam finished ===")
	if res == nil {
		return
	}
	switch res.SubmitReason {
	case model.SubmitReasonTimeout, model.SubmitReasonSweep:
		fmt.Println("Time ran out; your answers were submitted automatically.")
	case model.SubmitReasonIntegrity:
		fmt.Println("Your exam was submitted automatically because of integrity violations.")
	}

	verdict := "NOT PASSED"
	if res.Passed {
		verdict = "PASSED"
	}
	fmt.Printf("Score: %.2f%% (%d/%d correct), %s\n", res.ScorePercent, res.CorrectCount, res.TotalQuestions, verdict)
	for category, stat := range res.CategoryBreakdown {
		fmt.Printf("  %-20s %d/%d\n", category, stat.Correct, stat.Total)
	}
	if res.IsFlagged {
		fmt.Println("This attempt has been flagged for review.")
	}
	if len(res.Details) == 0 && !s.ShowScoreImmediately {
		fmt.Println("The per-question review will be published by the proctor.")
	}
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	text, _ := reader.ReadString('\n')
	return strings.TrimSpace(text)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
