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

	"github.com/stretchr/testify/mock"

	"github.com/carverauto/fleetpower/pkg/cgminer"
	"github.com/carverauto/fleetpower/pkg/scan"
	"github.com/carverauto/fleetpower/pkg/vnish"
)

type mockNative struct {
	mock.Mock
}

func (m *mockNative) Summary(ctx context.Context) (*cgminer.Summary, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*cgminer.Summary)

	return s, args.Error(1)
}

func (m *mockNative) Stats(ctx context.Context) ([]map[string]interface{}, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).([]map[string]interface{})

	return s, args.Error(1)
}

func (m *mockNative) Pools(ctx context.Context) ([]cgminer.Pool, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).([]cgminer.Pool)

	return p, args.Error(1)
}

func (m *mockNative) Version(ctx context.Context) (*cgminer.Version, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).(*cgminer.Version)

	return v, args.Error(1)
}

func (m *mockNative) SetPowerMode(ctx context.Context, mode string) error {
	return m.Called(ctx, mode).Error(0)
}

func (m *mockNative) Restart(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockWeb struct {
	mock.Mock
}

func (m *mockWeb) SystemInfo(ctx context.Context) (*vnish.SystemInfo, error) {
	args := m.Called(ctx)
	info, _ := args.Get(0).(*vnish.SystemInfo)

	return info, args.Error(1)
}

func (m *mockWeb) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *mockWeb) Frequency(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockWeb) SetSleepMode(ctx context.Context, sleep bool) error {
	return m.Called(ctx, sleep).Error(0)
}

func (m *mockWeb) RestartMining(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockWeb) Reboot(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockWeb) ApplyFrequency(ctx context.Context, freq int, voltage float64) error {
	return m.Called(ctx, freq, voltage).Error(0)
}

func (m *mockWeb) FactoryReset(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockWeb) SetFindMode(ctx context.Context, on bool) (string, error) {
	args := m.Called(ctx, on)
	return args.String(0), args.Error(1)
}

func (m *mockWeb) StopMining(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockWeb) UpdateConfig(ctx context.Context, update vnish.ConfigUpdate) error {
	return m.Called(ctx, update).Error(0)
}

func (m *mockWeb) ChipHashrate(ctx context.Context) ([]map[string]float64, error) {
	args := m.Called(ctx)
	boards, _ := args.Get(0).([]map[string]float64)

	return boards, args.Error(1)
}

func (m *mockWeb) AutofreqLog(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// fakeDialer hands out one mock pair per host.
type fakeDialer struct {
	native map[string]*mockNative
	web    map[string]*mockWeb
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{native: map[string]*mockNative{}, web: map[string]*mockWeb{}}
}

func (f *fakeDialer) host(ip string) (*mockNative, *mockWeb) {
	n, w := &mockNative{}, &mockWeb{}
	f.native[ip] = n
	f.web[ip] = w

	return n, w
}

func (f *fakeDialer) Native(host string, _ int) NativeAPI { return f.native[host] }
func (f *fakeDialer) Web(host string) WebAPI              { return f.web[host] }

type fakeSweeper struct {
	open []scan.Target
}

func (f *fakeSweeper) OpenTargets(_ context.Context, _ []scan.Target) []scan.Target {
	return f.open
}
