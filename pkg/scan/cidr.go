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

// Package scan expands address ranges and checks which miner ports answer.
package scan

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	ErrInvalidRange  = errors.New("invalid network range")
	ErrRangeTooLarge = errors.New("network range too large")
)

// MaxHosts caps a single expansion; a /16 is the largest site we sweep.
const MaxHosts = 1 << 16

// ExpandCIDR expands a CIDR into host addresses in ascending order.
// Network and broadcast addresses are skipped for IPv4 ranges wider than /31.
func ExpandCIDR(cidr string) ([]string, error) {
	baseIP, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}

	ones, bits := ipnet.Mask.Size()
	if bits-ones > 16 {
		return nil, fmt.Errorf("%w: %s spans more than %d addresses", ErrRangeTooLarge, cidr, MaxHosts)
	}

	skipEdges := baseIP.To4() != nil && ones < 31

	var ips []string

	for current := baseIP.Mask(ipnet.Mask); ipnet.Contains(current); incIP(current) {
		if skipEdges && (current.Equal(ipnet.IP) || isBroadcast(current, ipnet)) {
			continue
		}

		ips = append(ips, current.String())
	}

	return ips, nil
}

// incIP increments an IP address in place.
func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

func isBroadcast(ip net.IP, ipnet *net.IPNet) bool {
	mask := ipnet.Mask
	network := ipnet.IP

	if v4 := ip.To4(); v4 != nil && len(mask) == net.IPv4len {
		ip = v4
		network = network.To4()
	}

	broadcast := make(net.IP, len(ip))
	for i := range ip {
		broadcast[i] = network[i] | ^mask[i]
	}

	return ip.Equal(broadcast)
}

// Target is one host:port probe.
type Target struct {
	Host string
	Port int
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Targets crosses hosts with ports, host-major, keeping input order.
func Targets(hosts []string, ports []int) []Target {
	out := make([]Target, 0, len(hosts)*len(ports))

	for _, h := range hosts {
		for _, p := range ports {
			out = append(out, Target{Host: h, Port: p})
		}
	}

	return out
}
