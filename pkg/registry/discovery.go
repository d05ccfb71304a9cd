/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package registry

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/scan"
	"github.com/carverauto/fleetpower/pkg/vnish"
)

type candidate struct {
	host   string
	native []int
	web    bool
}

// Discover sweeps cidr (the configured range when empty) and registers every
// miner that answers. A host is probed on the native port first; a host with
// only its web interface open is an idle miner.
func (r *Registry) Discover(ctx context.Context, cidr string) ([]*models.Device, error) {
	if cidr == "" {
		cidr = r.settings.NetworkCIDR
	}

	hosts, err := scan.ExpandCIDR(cidr)
	if err != nil {
		return nil, err
	}

	start := r.now()
	ports := append(append([]int(nil), r.settings.ScanPorts...), r.settings.CGIPort)
	open := r.sweeper.OpenTargets(ctx, scan.Targets(hosts, ports))
	candidates := groupCandidates(open, r.settings.CGIPort)

	r.logger.Info().
		Str("cidr", cidr).
		Int("hosts", len(hosts)).
		Int("candidates", len(candidates)).
		Msg("Port sweep complete, probing candidates")

	found := make([]*models.Device, len(candidates))

	var g errgroup.Group

	g.SetLimit(limit(r.settings.DiscoveryConcurrency))

	for i, c := range candidates {
		g.Go(func() error {
			found[i] = r.probe(ctx, c.host, c.native, c.web)
			return nil
		})
	}

	_ = g.Wait()

	devices := make([]*models.Device, 0, len(found))

	for _, d := range found {
		if d != nil {
			devices = append(devices, r.upsert(ctx, d))
		}
	}

	recordDiscoveryMetrics(len(devices), r.now().Sub(start))

	r.logger.Info().
		Str("cidr", cidr).
		Int("devices", len(devices)).
		Dur("elapsed", r.now().Sub(start)).
		Msg("Discovery complete")

	return devices, ctx.Err()
}

// groupCandidates folds open targets into per-host probe plans, keeping
// sweep order.
func groupCandidates(open []scan.Target, cgiPort int) []candidate {
	index := make(map[string]int)

	var out []candidate

	for _, t := range open {
		i, ok := index[t.Host]
		if !ok {
			i = len(out)
			index[t.Host] = i
			out = append(out, candidate{host: t.Host})
		}

		if t.Port == cgiPort {
			out[i].web = true
		} else {
			out[i].native = append(out[i].native, t.Port)
		}
	}

	return out
}

// probe identifies the miner at host, or returns nil when nothing answers.
func (r *Registry) probe(ctx context.Context, host string, nativePorts []int, web bool) *models.Device {
	for _, port := range nativePorts {
		native := r.dialer.Native(host, port)

		sum, err := native.Summary(ctx)
		if err != nil {
			r.logger.Debug().Err(err).Str("ip", host).Int("port", port).Msg("Native probe failed")
			continue
		}

		return r.identifyNative(ctx, host, port, native, sum.HashrateGHS, sum.ElapsedSeconds)
	}

	if !web {
		return nil
	}

	info, err := r.dialer.Web(host).SystemInfo(ctx)
	if err != nil {
		r.logger.Debug().Err(err).Str("ip", host).Msg("Web probe failed")
		return nil
	}

	port := 0
	if len(nativePorts) > 0 {
		port = nativePorts[0]
	} else if len(r.settings.ScanPorts) > 0 {
		port = r.settings.ScanPorts[0]
	}

	return r.identifyIdle(host, port, info)
}

func (r *Registry) newDevice(host string, port int) *models.Device {
	now := r.now()
	limits := r.curve.Limits()

	return &models.Device{
		ID:               models.DeviceID(host),
		IP:               host,
		Port:             port,
		Vendor:           models.VendorUnknown,
		Firmware:         models.FirmwareUnknown,
		Online:           true,
		PowerMode:        models.PowerModeNormal,
		DefaultFrequency: limits.DefaultFrequency,
		MinFrequency:     limits.MinFrequency,
		MaxFrequency:     limits.MaxFrequency,
		DiscoveredAt:     now,
		LastSeen:         now,
	}
}

func (r *Registry) identifyNative(
	ctx context.Context,
	host string,
	port int,
	native NativeAPI,
	hashrate float64,
	elapsed int64,
) *models.Device {
	d := r.newDevice(host, port)
	d.HashrateGHS = hashrate
	d.UptimeSeconds = elapsed
	d.Mining = hashrate > 0

	if v, err := native.Version(ctx); err == nil {
		d.Vendor, d.Model = classify(v)
	} else {
		r.logger.Debug().Err(err).Str("ip", host).Msg("Version query failed")
	}

	if d.Vendor == models.VendorAntminer {
		r.identifyWeb(ctx, d)
	} else if d.Vendor != models.VendorUnknown {
		d.Firmware = models.FirmwareStock
	}

	if stats, err := native.Stats(ctx); err == nil {
		applyStats(d, DialectFor(d.Vendor), stats)
	}

	if !d.Mining {
		d.PowerMode = models.PowerModeIdle
	}

	d.RatedPowerWatts = RatedPowerWatts(d.Vendor, d.Model, d.PowerWatts)

	r.logger.Info().
		Str("ip", host).
		Str("vendor", string(d.Vendor)).
		Str("model", d.Model).
		Str("firmware", string(d.Firmware)).
		Float64("rated_watts", d.RatedPowerWatts).
		Msg("Identified miner")

	return d
}

// identifyWeb refines an Antminer's model and firmware from the CGI
// interface and reads its configured frequency.
func (r *Registry) identifyWeb(ctx context.Context, d *models.Device) {
	web := r.dialer.Web(d.IP)

	info, err := web.SystemInfo(ctx)
	if err != nil {
		d.Firmware = models.FirmwareStock
		return
	}

	applySystemInfo(d, info)

	if freq, err := web.Frequency(ctx); err == nil {
		d.CurrentFrequency = freq
	}
}

func (r *Registry) identifyIdle(host string, port int, info *vnish.SystemInfo) *models.Device {
	d := r.newDevice(host, port)
	d.Vendor = models.VendorAntminer
	d.Mining = false
	d.PowerMode = models.PowerModeIdle

	applySystemInfo(d, info)

	d.RatedPowerWatts = RatedPowerWatts(d.Vendor, d.Model, 0)

	r.logger.Info().Str("ip", host).Str("model", d.Model).Msg("Identified idle miner via web interface")

	return d
}

func applySystemInfo(d *models.Device, info *vnish.SystemInfo) {
	d.WebAPI = true
	d.Hostname = info.Hostname
	d.MACAddress = info.MACAddress
	d.Firmware, d.FirmwareVersion = vnish.ParseFirmware(info.MinerType)

	if d.FirmwareVersion == "" {
		d.FirmwareVersion = info.FirmwareVersion
	}

	if m := modelFromMinerType(info.MinerType); m != "" {
		d.Model = m
	}
}

// applyStats fills temperature, fan and power from the stats sections.
func applyStats(d *models.Device, dia Dialect, stats []map[string]interface{}) {
	if v, ok := dia.Temperature(stats); ok {
		d.TemperatureC = v
	}

	if v, ok := dia.FanPercent(stats); ok {
		d.FanSpeedPct = v
	}

	if v, ok := dia.Power(stats); ok {
		d.PowerWatts = v
	}
}

func limit(n int) int {
	if n <= 0 {
		return 1
	}

	return n
}

// sinceLastSeen is used for log context.
func sinceLastSeen(d *models.Device, now time.Time) time.Duration {
	if d.LastSeen.IsZero() {
		return 0
	}

	return now.Sub(d.LastSeen)
}
