package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"time"

	"photondose/pkg/config"
	"photondose/pkg/dose"
	"photondose/pkg/phantom"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "photondose.yaml", "YAML configuration file")
	writeDefault := flag.Bool("write-default-config", false, "Write a default configuration file and exit")
	numWorkers := flag.Int("workers", 0, "Number of worker goroutines (default: from config, or all CPUs)")
	energy := flag.Float64("energy", 0, "Beam energy in MV (default: from config)")
	resolution := flag.Float64("resolution", 0, "Dose grid resolution in mm (default: from config)")
	flag.Parse()

	if *writeDefault {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *numWorkers > 0 {
		cfg.Engine.NumWorkers = *numWorkers
	}
	if *energy > 0 {
		cfg.Kernel.Energy = *energy
	}
	if *resolution > 0 {
		cfg.Plan.DoseResolution = *resolution
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	verbose := cfg.Output.Verbose

	fmt.Println("================================")
	fmt.Println("PHOTON DOSE CALCULATION BY CONVOLUTION/SUPERPOSITION")
	fmt.Println("================================")

	k, err := cfg.LoadKernel()
	if err != nil {
		log.Fatalf("Failed to load kernel: %v", err)
	}
	fmt.Printf("Kernel: %g MV, mu = %.4f /cm\n", k.Energy(), k.Mu())

	density, err := phantom.New(cfg.PhantomParams())
	if err != nil {
		log.Fatalf("Failed to build phantom: %v", err)
	}
	fmt.Printf("Phantom: %v voxels at %.1f mm, density %.2f\n", density.Size, density.Spacing.X, cfg.Phantom.Density)

	plan, err := dose.NewPlan(k, density, cfg.Plan.DoseResolution, cfg.Settings())
	if err != nil {
		log.Fatalf("Failed to create plan: %v", err)
	}
	for i := range cfg.Plan.Beams {
		beam, err := cfg.Plan.Beams[i].Build()
		if err != nil {
			log.Fatalf("Failed to build beam %d: %v", i, err)
		}
		plan.AddBeam(beam)
	}
	if verbose {
		plan.SetProgressCallback(func(completed, total int, message string) {
			percentage := float64(completed) / float64(total) * 100
			fmt.Printf("\rComputing beamlets: %.1f%% (%d/%d) %s   ", percentage, completed, total, message)
			if completed >= total {
				fmt.Println()
			}
		})
	}

	workers := cfg.Engine.NumWorkers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	fmt.Printf("Computing %d beam(s) on a %v dose grid with %d workers...\n", len(plan.Beams()), plan.Geometry().Size, workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	planDose, err := plan.Dose(ctx)
	if err != nil {
		log.Fatalf("Dose calculation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	stats := dose.Statistics(planDose)
	fmt.Printf("\nDose calculation completed in %.2f seconds!\n\n", processingTime.Seconds())
	fmt.Printf("Plan dose statistics:\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Maximum: %.4f\n", stats.Max)
	fmt.Printf("Mean: %.4f\n", stats.Mean)
	fmt.Printf("Standard deviation: %.4f\n", stats.StdDev)
	fmt.Printf("Integral dose: %.1f\n", stats.Integral)
	fmt.Printf("Voxels with dose: %d of %d\n", stats.NonZero, planDose.Len())

	for i := range plan.Beams() {
		profile, err := plan.CentralAxisProfile(i, cfg.Output.ProfileStep)
		if err != nil {
			log.Printf("Warning: Failed to sample beam %d profile: %v", i, err)
			continue
		}
		fmt.Printf("\nCentral-axis depth dose, beam %d (gantry %.1f deg):\n", i, cfg.Plan.Beams[i].GantryDeg)
		fmt.Println("depth [mm]   dose")
		for _, pt := range profile {
			fmt.Printf("%10.1f   %.4f\n", pt.Depth, pt.Dose)
		}
	}
}
