/*
 * Copyright 2018 The CovenantSQL Authors.
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

package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CovenantSQL/escrow/types"
)

// CampaignStats summarizes the ledger for the campaign collector.
type CampaignStats struct {
	ByStatus    map[types.CampaignStatus]int
	Quarantined int
	Raised      uint64
}

// CampaignCollector reports ledger gauges computed at scrape time.
type CampaignCollector struct {
	stats       func() CampaignStats
	campaigns   *prometheus.Desc
	quarantined *prometheus.Desc
	raised      *prometheus.Desc
}

// NewCampaignCollector returns a collector evaluating stats on every scrape.
func NewCampaignCollector(stats func() CampaignStats) *CampaignCollector {
	return &CampaignCollector{
		stats: stats,
		campaigns: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "campaigns"),
			"Campaigns by status.", []string{"status"}, nil),
		quarantined: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "quarantined_campaigns"),
			"Campaigns quarantined after a corrupted read.", nil, nil),
		raised: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "raised_amount"),
			"Confirmed funds currently held in escrow.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CampaignCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.campaigns
	ch <- c.quarantined
	ch <- c.raised
}

// Collect implements prometheus.Collector.
func (c *CampaignCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for _, status := range []types.CampaignStatus{types.CampaignDraft, types.CampaignActive, types.CampaignClosed} {
		ch <- prometheus.MustNewConstMetric(c.campaigns, prometheus.GaugeValue,
			float64(s.ByStatus[status]), status.String())
	}
	ch <- prometheus.MustNewConstMetric(c.quarantined, prometheus.GaugeValue, float64(s.Quarantined))
	ch <- prometheus.MustNewConstMetric(c.raised, prometheus.GaugeValue, float64(s.Raised))
}
