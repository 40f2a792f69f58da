package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/urfave/cli"
	"github.com/jeebie-core/gbcore/jeebie"
	"github.com/jeebie-core/gbcore/jeebie/backend"
	"github.com/jeebie-core/gbcore/jeebie/backend/headless"
	"github.com/jeebie-core/gbcore/jeebie/backend/sdl2"
	"github.com/jeebie-core/gbcore/jeebie/backend/terminal"
	"github.com/jeebie-core/gbcore/jeebie/input"
	"github.com/jeebie-core/gbcore/jeebie/input/action"
	"github.com/jeebie-core/gbcore/jeebie/input/event"
)

func main() {
	app := cli.NewApp()
	app.Name = "Jeebie"
	app.Description = "A simple gameboy emulator"
	app.Usage = "jeebie [options] <ROM file>"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rom",
			Usage: "Path to the ROM file",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "Rendering backend: terminal, sdl2 or headless",
			Value: "terminal",
		},
		cli.StringFlag{
			Name:  "save-path",
			Usage: "Path to battery-backed save RAM file (default: ROM path with .sav extension)",
		},
		cli.IntFlag{
			Name:  "frames",
			Usage: "Number of frames to run in headless mode (required for headless)",
			Value: 0,
		},
		cli.BoolFlag{
			Name:  "test-pattern",
			Usage: "Display a test pattern instead of emulation (for debugging display)",
		},
		cli.IntFlag{
			Name:  "snapshot-interval",
			Usage: "Save frame snapshots every N frames in headless mode (0 = disabled)",
			Value: 0,
		},
		cli.StringFlag{
			Name:  "snapshot-dir",
			Usage: "Directory to save frame snapshots (default: temp directory)",
		},
		cli.IntFlag{
			Name:  "scale",
			Usage: "Window pixel scale factor (sdl2 backend only)",
			Value: 3,
		},
	}
	app.Action = runEmulator

	if err := app.Run(os.Args); err != nil {
		slog.Error("Error running emulator", "error", err)
		os.Exit(1)
	}
}

func newBackend(kind string) (backend.Backend, error) {
	switch kind {
	case "terminal":
		return terminal.New(), nil
	case "sdl2":
		return sdl2.New(), nil
	case "headless":
		return headless.New(0, headless.SnapshotConfig{}), nil
	default:
		return nil, errors.New("unknown backend: " + kind)
	}
}

func runEmulator(c *cli.Context) error {
	testPattern := c.Bool("test-pattern")

	var emu jeebie.Emulator
	var dmg *jeebie.DMG
	if testPattern {
		emu = jeebie.NewTestPatternEmulator()
	} else {
		romPath := c.String("rom")
		if romPath == "" {
			if c.NArg() > 0 {
				romPath = c.Args().Get(0)
			} else {
				cli.ShowAppHelp(c)
				return errors.New("no ROM path provided")
			}
		}

		var err error
		if savePath := c.String("save-path"); savePath != "" {
			dmg, err = jeebie.NewWithFileAndSavePath(romPath, savePath)
		} else {
			dmg, err = jeebie.NewWithFile(romPath)
		}
		if err != nil {
			return err
		}
		emu = dmg
		defer dmg.PersistSaveRAM()
	}

	kind := c.String("backend")

	var snapshotConfig headless.SnapshotConfig
	if kind == "headless" {
		frames := c.Int("frames")
		if frames <= 0 && !testPattern {
			return errors.New("headless backend requires --frames with a positive value")
		}

		romPath := c.String("rom")
		snapshotConfig, _ = headless.CreateSnapshotConfig(c.Int("snapshot-interval"), c.String("snapshot-dir"), romPath)

		b := headless.New(frames, snapshotConfig)
		return runLoop(emu, b, c)
	}

	b, err := newBackend(kind)
	if err != nil {
		return err
	}
	return runLoop(emu, b, c)
}

func runLoop(emu jeebie.Emulator, b backend.Backend, c *cli.Context) error {
	config := backend.BackendConfig{
		Title:       "Jeebie",
		Scale:       c.Int("scale"),
		TestPattern: c.Bool("test-pattern"),
	}
	if provider, ok := emu.(backend.DebugDataProvider); ok {
		config.DebugProvider = provider
	}

	if err := b.Init(config); err != nil {
		return err
	}
	defer b.Cleanup()

	handler := input.NewHandler()

	for {
		if err := emu.RunUntilFrame(); err != nil {
			return err
		}

		events, err := b.Update(emu.GetCurrentFrame())
		if err != nil {
			return err
		}

		for _, evt := range events {
			if !handler.ProcessEvent(evt) {
				continue
			}
			if evt.Action == action.EmulatorQuit {
				return nil
			}
			emu.HandleAction(evt.Action, evt.Type == event.Press)
		}
	}
}
