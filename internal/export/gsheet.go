package export

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/app"
	"github.com/plomgrading/marker/internal/store"
	"github.com/plomgrading/marker/internal/tasks"
)

// sheetJob is one configured export target. Each job holds its own
// writer bound to its own credentials; targets never share a client.
type sheetJob struct {
	name  string
	write func(values [][]interface{}) error
}

func newSheetJob(ctx context.Context, name string, cfg app.GSheetConfig) (*sheetJob, error) {
	svc, err := sheets.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service for %s: %w", name, err)
	}

	return &sheetJob{
		name: name,
		write: func(values [][]interface{}) error {
			updateRange := fmt.Sprintf("%s!A1", cfg.SheetName)
			_, err := svc.Spreadsheets.Values.Update(cfg.SheetID, updateRange,
				&sheets.ValueRange{Values: values}).ValueInputOption("RAW").Do()
			return err
		},
	}, nil
}

// GSheetExporter pushes a marking progress table to Google Sheets on a
// cron schedule, one sheet per configured exam entry.
type GSheetExporter struct {
	tasks     *tasks.Service
	scheduler *gocron.Scheduler
}

func NewGSheetExporter(config *app.Config, tasksSvc *tasks.Service) (*GSheetExporter, error) {
	ctx := context.Background()

	exporter := &GSheetExporter{
		tasks:     tasksSvc,
		scheduler: gocron.NewScheduler(time.UTC),
	}

	for name, cfg := range config.GSheet {
		job, err := newSheetJob(ctx, name, cfg)
		if err != nil {
			return nil, err
		}

		_, err = exporter.scheduler.Cron(cfg.Schedule).Do(func() {
			if err := exporter.Export(job); err != nil {
				logger.Error.Printf("Progress export %s failed: %v", job.name, err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule export %s: %w", name, err)
		}
	}

	exporter.scheduler.StartAsync()
	return exporter, nil
}

// Export writes the progress table through the job's own writer.
func (e *GSheetExporter) Export(job *sheetJob) error {
	progress, err := e.tasks.Progress()
	if err != nil {
		return fmt.Errorf("failed to fetch marking progress: %w", err)
	}

	if err := job.write(progressValues(progress)); err != nil {
		return fmt.Errorf("failed to update sheet %s: %w", job.name, err)
	}
	return nil
}

// progressValues renders one row per question starting at A1 and a
// timestamp row below the table.
func progressValues(progress []store.MarkingProgress) [][]interface{} {
	values := [][]interface{}{
		{"question", "total", "complete", "out for marking", "avg score"},
	}
	for _, p := range progress {
		values = append(values, []interface{}{
			p.QuestionIndex, p.Total, p.Complete, p.OutForMarking,
			fmt.Sprintf("%.2f", p.AvgScore),
		})
	}
	timestamp := fmt.Sprintf("UPD: %s", time.Now().Format("2 January 15:04"))
	values = append(values, []interface{}{timestamp})
	return values
}

func (e *GSheetExporter) Stop() {
	e.scheduler.Stop()
}
