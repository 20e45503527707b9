package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"
)

// debugState holds the most recent cycle snapshot for the console.
type debugState struct {
	mu     sync.Mutex
	latest *SystemStatus
}

func (s *debugState) set(status *SystemStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = status
}

func (s *debugState) get() *SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// debugWorker runs an interactive readline console for live introspection of
// the control loop. Enabled with --debug.
func debugWorker(ctx context.Context, statusChan <-chan *SystemStatus, log *logrus.Logger) {
	state := &debugState{}

	go func() {
		for {
			select {
			case status := <-statusChan:
				state.set(status)
			case <-ctx.Done():
				return
			}
		}
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "debug> ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		log.WithError(err).Error("failed to start debug console")
		return
	}
	defer rl.Close()

	// Unblock Readline when the process shuts down.
	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	fmt.Println("Debug console ready. Type 'help' for commands.")

	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help":
			fmt.Println("Commands:")
			fmt.Println("  status           one-line system summary")
			fmt.Println("  chargers         per-charger detail")
			fmt.Println("  policy           budget and reserve detail")
			fmt.Println("  verbose on|off   toggle debug logging")
			fmt.Println("  exit             close the console")

		case "status":
			if s := state.get(); s != nil {
				fmt.Println(s.Summary())
			} else {
				fmt.Println("no cycle completed yet")
			}

		case "chargers":
			s := state.get()
			if s == nil {
				fmt.Println("no cycle completed yet")
				continue
			}
			for _, c := range s.Chargers {
				role := "secondary"
				if c.IsPrimary {
					role = "primary"
				}
				fmt.Printf("%-20s %-9s connected=%-5v charging=%-5v %dA %.0fW -> proposed %dA enabled=%v\n",
					c.Name, role, c.Connected, c.Charging, c.CurrentAmps, c.PowerWatts, c.ProposedAmps, c.ProposedEnabled)
			}

		case "policy":
			s := state.get()
			if s == nil {
				fmt.Println("no cycle completed yet")
				continue
			}
			fmt.Printf("battery %d%% (min %d%%), reserve %.0fW\n", s.BatterySOC, s.MinSOC, s.BatteryReserve)
			fmt.Printf("solar %.0fW, house %.0fW, chargers %.0fW\n", s.SolarProduction, s.HouseConsumption, s.TotalChargerPower)
			fmt.Printf("available for charge %.0fW\n", s.AvailableExcess)
			fmt.Printf("time to charged %s, time to depleted %s\n", s.TimeToCharged, s.TimeToDepleted)

		case "verbose":
			if len(fields) == 2 && fields[1] == "on" {
				log.SetLevel(logrus.DebugLevel)
				fmt.Println("debug logging enabled")
			} else if len(fields) == 2 && fields[1] == "off" {
				log.SetLevel(logrus.InfoLevel)
				fmt.Println("debug logging disabled")
			} else {
				fmt.Println("usage: verbose on|off")
			}

		case "exit", "quit":
			return

		default:
			fmt.Printf("unknown command %q, try 'help'\n", fields[0])
		}
	}
}
