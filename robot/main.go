package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"robot-control-core/utils"
)

func main() {
	var (
		iface       = flag.String("iface", "can0", "SocketCAN interface name")
		mapPath     = flag.String("map", "config/can/can_map.csv", "Path to can_map.csv")
		cfgPath     = flag.String("config", "config/robot.json", "Robot config JSON file")
		routines    = flag.String("routines", "config/routines.json", "Autonomous routines JSON file")
		logLevel    = flag.String("log", "info", "trace|debug|info|warn|error|critical")
		logFile     = flag.String("logfile", "robot.log", "Log file path")
		httpAddr    = flag.String("http", ":8080", "Pit API listen address (empty disables)")
		joystick    = flag.String("joystick", "/dev/input/js0", "Gamepad device (empty disables driver control input)")
		display     = flag.String("display", "", "Serial port of the text display (empty logs screen lines)")
		team        = flag.String("team", "", "Override the alliance color: red|blue")
		competition = flag.Bool("competition", false, "Competition mode: disables the practice autonomous trigger")
		autonFirst  = flag.Bool("auton", false, "Run the selected autonomous routine before driver control")
	)
	flag.Parse()

	log, err := utils.NewFileLogger(*logFile, utils.ParseLevel(*logLevel), true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + *logFile + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	session := uuid.NewString()
	log.SetPrefix(session[:8])
	log.Info("Session %s", session)

	cfg := RunnerConfig{
		Interface:    *iface,
		MapPath:      *mapPath,
		ConfigPath:   *cfgPath,
		RoutinesPath: *routines,
		HTTPAddr:     *httpAddr,
		Joystick:     *joystick,
		DisplayPort:  *display,
		Team:         *team,
		Competition:  *competition,
		AutonFirst:   *autonFirst,
		Session:      session,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		log.Close()
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		runner.Close()
		log.Close()
		os.Exit(1)
	}
}
