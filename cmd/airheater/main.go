// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"airheater/internal/config"
	"airheater/internal/daq"
	"airheater/internal/dashboard"
	"airheater/internal/simulator"
	"airheater/internal/stability"
	"airheater/internal/telemetry"
	"airheater/pkg/appctx"
	"airheater/pkg/eventbus"
	"airheater/pkg/logger"
	"airheater/pkg/modbus"
	"airheater/pkg/rootserv"
	"airheater/pkg/service"
	"airheater/pkg/sysmon"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

func main() {

	rootdir := os.Getenv("PROJECT_ROOT")
	if rootdir == "" {
		rootdir = "."
	}

	log := logger.New("Main")
	if err := logger.Init(filepath.Join(rootdir, "var/logs/airheater.log")); err != nil {
		log.Error("log file: %v", err)
	}

	confPath := filepath.Join(rootdir, "var/config/airheater.json")
	appConf, err := config.LoadFile(confPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("%s not found, using defaults", confPath)
		appConf = config.Default()
	} else if err != nil {
		log.Fatal("config: %v", err)
	}
	appConf.RootDir = rootdir

	bus := eventbus.New()

	// telemetry sinks
	history := telemetry.NewHistory(appConf.Telemetry.HistorySize)
	csvPath := appConf.Path(appConf.Telemetry.CSVPath)
	last, haveLast, err := telemetry.ReadLatest(csvPath)
	if err != nil {
		log.Error("read %s: %v", csvPath, err)
	}
	csvLog, err := telemetry.OpenCSV(csvPath)
	if err != nil {
		log.Fatal("csv log: %v", err)
	}
	csvQueue := telemetry.NewAsync("csv", csvLog, appConf.Telemetry.QueueDepth)
	sinks := telemetry.Multi{history, csvQueue}

	var asyncSinks []*telemetry.Async
	if appConf.Telemetry.EmonCMSAddr != "" {
		emon := telemetry.NewEmonCMS(
			appConf.Telemetry.EmonCMSAddr,
			appConf.Telemetry.EmonCMSApiKey,
			appConf.Telemetry.EmonCMSNode,
			time.Duration(appConf.Telemetry.IntervalSeconds)*time.Second,
		)
		asyncSinks = append(asyncSinks, telemetry.NewAsync("emoncms", emon, appConf.Telemetry.QueueDepth))
	}

	var device *daq.Device
	if appConf.Hardware.Enable {
		modbusConf, err := modbus.LoadConfig(appConf.Path(appConf.Hardware.ModbusConfig))
		if err != nil {
			log.Fatal("modbus config: %v", err)
		}
		device = daq.New(daq.ModbusDialer(modbusConf))
		asyncSinks = append(asyncSinks, telemetry.NewAsync("daq", device, appConf.Telemetry.QueueDepth))
	}
	for _, a := range asyncSinks {
		sinks = append(sinks, a)
	}

	// control loop
	sim, err := simulator.New(simulator.Config{
		Plant:   appConf.PlantModel(),
		Initial: appConf.InitialParams(),
		Limits:  appConf.Limits,
	}, sinks)
	if err != nil {
		log.Fatal("simulator: %v", err)
	}
	if appConf.Loop.RestoreLast && haveLast {
		if err := sim.RestoreParameters(last); err != nil {
			log.Error("%v", err)
		}
	}
	loopService := simulator.NewService(sim, bus, appConf.LoopPeriod())

	analyzer, err := stability.NewAnalyzer(appConf.Plant.Kh, appConf.Plant.ThetaT, appConf.Plant.ThetaD)
	if err != nil {
		log.Fatal("analyzer: %v", err)
	}
	if res, err := analyzer.Analyze(sim.Parameters().Kp, sim.Parameters().Ti, sim.Parameters().FilterTf); err != nil {
		log.Error("initial stability: %v", err)
	} else {
		log.Info("initial stability: %s", res)
	}

	dashboardService := dashboard.New(dashboard.Deps{
		Sim:      sim,
		Analyzer: analyzer,
		History:  history,
		Log:      csvLog,
		Bus:      bus,
		Device:   device,
		Timing:   loopService.Timing,
	})

	sysMonitorService := sysmon.New(filepath.Dir(csvPath))
	sysMonitorService.Register("loop", func() any { return loopService.Timing() })
	sysMonitorService.Register("eventbus", func() any { return bus.Stats() })
	sysMonitorService.Register("history_records", func() any { return history.Len() })
	for _, a := range append([]*telemetry.Async{csvQueue}, asyncSinks...) {
		sysMonitorService.Register("sink_"+a.Name(), func() any {
			dropped, failed := a.Stats()
			return map[string]int64{"dropped": dropped, "failed": failed}
		})
	}

	ctx, ctxCancel := appctx.New()

	server := rootserv.New(appConf.HTTPAddr)
	server.Attach("/", "Air Heater Control Loop", dashboardService)
	server.Attach("/logger", "Logger", logger.WebService())
	server.Attach("/monitor", "System Monitor", sysMonitorService)

	runnables := []service.Runnable{
		loopService,
		dashboardService,
		server,
		service.Func(func(ctx context.Context) {
			// the queue drains on shutdown before the file is closed
			var wg sync.WaitGroup
			wg.Go(func() { csvQueue.Run(ctx) })
			csvLog.Run(ctx, time.Duration(appConf.Telemetry.FlushSeconds)*time.Second)
			wg.Wait()
			if err := csvLog.Close(); err != nil {
				log.Error("close %s: %v", csvPath, err)
			}
		}),
		service.Func(func(ctx context.Context) {
			prune(ctx, history, csvLog, time.Duration(appConf.Telemetry.RetentionDays)*24*time.Hour)
		}),
	}
	for _, a := range asyncSinks {
		runnables = append(runnables, a)
	}
	if device != nil {
		runnables = append(runnables, service.Func(func(ctx context.Context) {
			<-ctx.Done()
			device.Close()
		}))
	}

	if appConf.Loop.Autostart {
		sim.Start()
	}

	// start runnable services
	exitCh := service.Start(ctx, ctxCancel, runnables)

	// waits for all services to stop
	code := <-exitCh
	bus.Close()
	logger.Close()
	os.Exit(code)
}

func prune(ctx context.Context, h *telemetry.History, csvLog *telemetry.CSVSink, maxAge time.Duration) {
	log := logger.New("Retention")
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n := h.Prune(maxAge); n > 0 {
				log.Info("pruned %d records older than %v", n, maxAge)
			}
			n, err := csvLog.Prune(maxAge)
			if err != nil {
				log.Error("prune %s: %v", csvLog.Path(), err)
			} else if n > 0 {
				log.Info("pruned %d rows from %s", n, csvLog.Path())
			}
		}
	}
}
