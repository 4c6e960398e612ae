// Command fermd polls fermentation vessels over MODBUS, runs the
// per-vessel temperature control and safety checks, and publishes
// state changes to MQTT.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/brauwerk/fermd/internal/bus"
	"github.com/brauwerk/fermd/internal/clock"
	"github.com/brauwerk/fermd/internal/config"
	"github.com/brauwerk/fermd/internal/control"
	"github.com/brauwerk/fermd/internal/modbus"
	"github.com/brauwerk/fermd/internal/mqtt"
	"github.com/brauwerk/fermd/internal/relay"
	"github.com/brauwerk/fermd/internal/safety"
	"github.com/brauwerk/fermd/internal/sched"
	"github.com/brauwerk/fermd/internal/state"
)

func main() {
	// Optional .env next to the binary for site overrides.
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("FERMD_CONFIG", "/etc/fermd/config.yaml"), "Config file path")
	broker := flag.String("broker", os.Getenv("FERMD_BROKER"), "MQTT broker address (overrides config)")
	modbusURL := flag.String("modbus", os.Getenv("FERMD_MODBUS_URL"), "MODBUS url (overrides config)")
	dumpConfig := flag.Bool("dump-config", false, "Print effective config and exit")

	flag.Parse()

	if err := run(*configPath, *broker, *modbusURL, *dumpConfig); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(configPath, brokerOverride, modbusOverride string, dumpConfig bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if brokerOverride != "" {
		cfg.MQTT.Broker = brokerOverride
	}
	if modbusOverride != "" {
		cfg.Modbus.URL = modbusOverride
	}

	if dumpConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	}

	clk := clock.System{}
	st := state.New(0)
	ev := bus.New()

	// Relays and fermenters register before the scheduler so sensor
	// and relay names resolve.
	for _, rc := range cfg.Relays {
		if _, err := st.RegisterRelay(rc.Name, rc.RelayKind(), rc.GPIOPin, rc.ModbusAddr, rc.ModbusReg); err != nil {
			return fmt.Errorf("register relay %q: %w", rc.Name, err)
		}
	}

	transport, err := modbus.NewClient(modbus.ClientConfig{
		URL:      cfg.Modbus.URL,
		BaudRate: uint(cfg.Modbus.Baud),
		Timeout:  cfg.Modbus.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init modbus: %w", err)
	}
	defer transport.Close()

	scheduler := sched.New(transport, st, ev, clk)
	schedCfg, err := cfg.SchedulerSettings()
	if err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}
	if err := scheduler.Initialize(schedCfg); err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	for _, fc := range cfg.Fermenters {
		if err := st.RegisterFermenter(fc.FermenterDef()); err != nil {
			return fmt.Errorf("register fermenter %q: %w", fc.Name, err)
		}
	}

	driver, err := relay.NewRealDriver()
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer driver.Close()

	follower := relay.NewFollower(st, ev, driver, transport)
	if err := follower.Start(); err != nil {
		return fmt.Errorf("start relay follower: %w", err)
	}
	defer follower.Stop()

	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	bridge := mqtt.NewBridge(st, ev, publisher, cfg.MQTT.TopicPrefix)
	if err := bridge.Start(); err != nil {
		return fmt.Errorf("start mqtt bridge: %w", err)
	}
	defer bridge.Stop()

	guard := safety.New(st, ev, clk)
	guard.Configure(cfg.SafetyLimits())

	runner := control.New(st, ev, clk)

	start := clk.Now()
	if err := st.SetUptime(0, start.Unix()); err != nil {
		log.Printf("record boot time: %v", err)
	}

	startup := mqtt.SystemEvent{
		Timestamp: start,
		Event:     "STARTUP",
		Retained:  true,
	}
	if err := publisher.PublishSystem(startup); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	log.Printf("started: %d sensors, %d relays, %d fermenters, broker=%s",
		st.SensorCount(), st.RelayCount(), st.FermenterCount(), cfg.MQTT.Broker)

	stop := make(chan struct{})
	go scheduler.Run(stop)
	defer close(stop)

	safetyTicker := time.NewTicker(cfg.Safety.CheckInterval)
	defer safetyTicker.Stop()
	controlTicker := time.NewTicker(cfg.Control.Interval)
	defer controlTicker.Stop()
	heartbeatTicker := time.NewTicker(cfg.MQTT.Heartbeat)
	defer heartbeatTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(guard, runner, bridge, st, publisher, clk, start,
		safetyTicker.C, controlTicker.C, heartbeatTicker.C, sigCh)
}

func runLoop(guard *safety.Controller, runner *control.Runner, bridge *mqtt.Bridge,
	st *state.Store, publisher mqtt.Publisher, clk clock.Clock, start time.Time,
	safetyTick, controlTick, heartbeatTick <-chan time.Time, sig <-chan os.Signal) error {

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			event := mqtt.SystemEvent{
				Timestamp: clk.Now(),
				Event:     "SHUTDOWN",
				Reason:    signalName(s),
				Retained:  true,
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-safetyTick:
			guard.Check()
			uptime := int64(clk.Now().Sub(start).Seconds())
			if err := st.SetUptime(uptime, start.Unix()); err != nil {
				log.Printf("update uptime: %v", err)
			}

		case <-controlTick:
			runner.Step()

		case <-heartbeatTick:
			bridge.Heartbeat(clk.Now())
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
