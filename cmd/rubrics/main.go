package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/app"
	"github.com/plomgrading/marker/internal/export"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/rubrics"
	"github.com/plomgrading/marker/internal/settings"
)

const usage = `usage: rubrics [-config config.toml] <command>

commands:
  init            create the system rubrics (no answer, full mark, neutral stub) for every question
  halves          create +1/2 and -1/2 relative rubrics for every question
  push -file F    create rubrics from F (.csv, .json or .toml)
  pull -file F    write the current revision of every rubric to F
  wipe            delete all rubrics (refused once any marking exists)
`

func main() {
	var configPath = flag.String("config", "config.toml", "Path to config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	fileFlags := flag.NewFlagSet(command, flag.ExitOnError)
	var file = fileFlags.String("file", "", "Rubric file to read or write")

	service, err := app.NewService(*configPath)
	if err != nil {
		logger.Error.Fatalf("Failed to start service: %v", err)
	}
	defer service.Close()

	switch command {
	case "init":
		if err := initSystemRubrics(service); err != nil {
			logger.Error.Fatalf("Failed to create system rubrics: %v", err)
		}
	case "halves":
		if err := initHalfRubrics(service); err != nil {
			logger.Error.Fatalf("Failed to create half-mark rubrics: %v", err)
		}
	case "push":
		fileFlags.Parse(flag.Args()[1:])
		if *file == "" {
			logger.Error.Fatalf("push needs -file")
		}
		n, err := export.Push(service.Rubrics, *file, rubrics.SystemActor())
		if err != nil {
			logger.Error.Fatalf("Push stopped after %d rubrics: %v", n, err)
		}
		logger.Info.Printf("Pushed %d rubrics from %s", n, *file)
	case "pull":
		fileFlags.Parse(flag.Args()[1:])
		if *file == "" {
			logger.Error.Fatalf("pull needs -file")
		}
		n, err := export.Pull(service.Rubrics, *file)
		if err != nil {
			logger.Error.Fatalf("Pull failed: %v", err)
		}
		logger.Info.Printf("Pulled %d rubrics into %s", n, *file)
	case "wipe":
		if err := service.Rubrics.WipeAll(); err != nil {
			logger.Error.Fatalf("Wipe refused: %v", err)
		}
		logger.Info.Println("All rubrics deleted")
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// initSystemRubrics seeds the three manager-owned rubrics every question
// starts with.
func initSystemRubrics(service *app.Service) error {
	exam := service.ExamInfo()
	actor := rubrics.SystemActor()

	for q := 1; q <= exam.NumQuestions; q++ {
		maxMark := exam.MaxMarkOf(q)
		seeds := []models.NewRubric{
			{
				Kind:          models.KindAbsolute,
				Value:         0,
				OutOf:         maxMark,
				Text:          "no answer given",
				QuestionIndex: q,
				SystemRubric:  true,
				Published:     true,
			},
			{
				Kind:          models.KindAbsolute,
				Value:         maxMark,
				OutOf:         maxMark,
				Text:          "full marks",
				QuestionIndex: q,
				SystemRubric:  true,
				Published:     true,
			},
			{
				Kind:          models.KindNeutral,
				Text:          "marked independently of the rubric list",
				QuestionIndex: q,
				SystemRubric:  true,
				Published:     true,
			},
		}
		for _, seed := range seeds {
			if _, err := service.Rubrics.Create(seed, actor); err != nil {
				return fmt.Errorf("question %d: %w", q, err)
			}
		}
		logger.Info.Printf("Created system rubrics for question %d (max mark %g)", q, maxMark)
	}
	return nil
}

func initHalfRubrics(service *app.Service) error {
	exam := service.ExamInfo()
	actor := rubrics.SystemActor()

	if err := service.Settings.Set(settings.KeyAllowHalf, "true"); err != nil {
		return err
	}

	for q := 1; q <= exam.NumQuestions; q++ {
		for _, delta := range []float64{0.5, -0.5} {
			seed := models.NewRubric{
				Kind:          models.KindRelative,
				Value:         delta,
				Text:          "half mark adjustment",
				QuestionIndex: q,
				Published:     true,
			}
			if _, err := service.Rubrics.Create(seed, actor); err != nil {
				return fmt.Errorf("question %d delta %g: %w", q, delta, err)
			}
		}
	}
	logger.Info.Printf("Created half-mark rubrics for %d questions", exam.NumQuestions)
	return nil
}
