// Command batchctl runs one generation batch for a local photo and prints the
// outcome of every slot.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"clinicgen/internal/imagegen"
	"clinicgen/internal/infra"
	"clinicgen/internal/storage"
	"clinicgen/internal/viewer"
)

func main() {
	_ = godotenv.Load()

	photo := flag.String("photo", "", "photo path or file:// uri")
	shape := flag.String("shape", string(imagegen.ShapeSquare), "square, portrait or landscape")
	color := flag.String("color", string(imagegen.ColorNatural), "natural, monochrome, sepia or vivid")
	count := flag.Int("count", 0, "number of slots (default BATCH_SIZE)")
	endpoint := flag.String("endpoint", "", "generation endpoint (default GENERATION_ENDPOINT)")
	save := flag.Bool("save", false, "export every succeeded slot to the gallery")
	flag.Parse()

	if *endpoint != "" {
		os.Setenv("GENERATION_ENDPOINT", *endpoint)
	}
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "batchctl: %v\n", err)
		os.Exit(2)
	}
	logger := infra.NewLoggerWithFile(cfg.AppEnv, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, &logger, options{
		photo: *photo,
		shape: *shape,
		color: *color,
		count: *count,
		save:  *save,
	}, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "batchctl: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	photo string
	shape string
	color string
	count int
	save  bool
}

func run(ctx context.Context, cfg *infra.Config, logger *infra.Logger, opts options, out io.Writer) error {
	src, err := imagegen.SourceFromPicked(imagegen.PickedPhoto{URI: opts.photo})
	if err != nil {
		return err
	}
	params, err := imagegen.ParseParameters(opts.shape, opts.color)
	if err != nil {
		return err
	}
	n := opts.count
	if n <= 0 {
		n = cfg.BatchSize
	}

	client, err := imagegen.NewClient(imagegen.ClientOptions{
		Endpoint: cfg.GenerationEndpoint,
		Timeout:  cfg.GenerationTimeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	var limiter *rate.Limiter
	if cfg.GenerationRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GenerationRPS), cfg.GenerationBurst)
	}
	dispatcher := imagegen.NewDispatcher(client, imagegen.DispatcherOptions{
		MaxBatchSize:   cfg.MaxBatchSize,
		MaxParallel:    cfg.MaxParallel,
		RequestTimeout: cfg.GenerationTimeout,
		Limiter:        limiter,
		Logger:         logger,
	})
	defer dispatcher.Reset()

	if err := dispatcher.DispatchBatch(ctx, src, params, n); err != nil {
		return err
	}
	slots, err := dispatcher.Wait(ctx)
	if err != nil {
		return err
	}

	locations := map[int]string{}
	if opts.save {
		files, err := storage.NewFileStore(cfg.GalleryPath)
		if err != nil {
			return err
		}
		v := viewer.New(dispatcher, client, storage.NewGallery(files, nil, logger), logger)
		for _, s := range slots {
			if s.State != imagegen.SlotSucceeded {
				continue
			}
			location, err := v.Export(ctx, s.Index)
			if err != nil {
				locations[s.Index] = "export failed: " + err.Error()
				continue
			}
			locations[s.Index] = location
		}
	}

	return report(out, slots, locations)
}

func report(out io.Writer, slots []imagegen.Slot, locations map[int]string) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tSTATE\tATTEMPT\tDETAIL")
	succeeded := 0
	for _, s := range slots {
		detail := s.Error
		if s.State == imagegen.SlotSucceeded {
			succeeded++
			detail = s.Result.MIME
			if loc, ok := locations[s.Index]; ok {
				detail = loc
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", s.Index, s.State, s.Attempt, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if succeeded == 0 {
		return fmt.Errorf("no slot succeeded")
	}
	return nil
}
