// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbletea"

	"courier/internal/hub"
	"courier/internal/jobs"
)

type metricsMsg struct {
	metrics *hub.Metrics
	jobs    []*jobs.Job
	err     error
	at      time.Time
	manual  bool
}

type tickMsg time.Time

// Main TUI model that switches between the overview and the job list
type model struct {
	client   *hub.Client
	interval time.Duration

	currentScreen screen
	width         int
	height        int
	quitting      bool

	metrics   *hub.Metrics
	jobs      []*jobs.Job
	lastErr   error
	updatedAt time.Time
}

func initialModel(client *hub.Client, interval time.Duration) model {
	return model{
		client:        client,
		interval:      interval,
		currentScreen: screenOverview,
	}
}

func (m model) Init() tea.Cmd {
	return m.fetch(false)
}

// fetch polls the hub. Only scheduled fetches re-arm the tick.
func (m model) fetch(manual bool) tea.Cmd {
	client := m.client
	timeout := m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		metrics, err := client.Snapshot(ctx)
		if err != nil {
			return metricsMsg{err: err, at: time.Now(), manual: manual}
		}
		list, err := client.Jobs(ctx, "")
		return metricsMsg{metrics: metrics, jobs: list, err: err, at: time.Now(), manual: manual}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, m.fetch(false)

	case metricsMsg:
		m.lastErr = msg.err
		m.updatedAt = msg.at
		if msg.metrics != nil {
			m.metrics = msg.metrics
		}
		if msg.jobs != nil {
			m.jobs = msg.jobs
		}
		if msg.manual {
			return m, nil
		}
		return m, m.tick()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "tab", "right", "left":
			if m.currentScreen == screenOverview {
				m.currentScreen = screenJobs
			} else {
				m.currentScreen = screenOverview
			}
			return m, nil
		case "r":
			return m, m.fetch(true)
		}
	}

	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return successStyle.Render("Monitor closed") + "\n"
	}
	return renderDashboard(m)
}

// StartMonitor runs the live dashboard against the hub API until the user quits
func StartMonitor(client *hub.Client, interval time.Duration) error {
	p := tea.NewProgram(
		initialModel(client, interval),
		tea.WithAltScreen(),
	)

	// Ensure proper cleanup on panic or interrupt
	defer func() {
		if r := recover(); r != nil {
			p.Kill()
		}
	}()

	_, err := p.Run()
	return err
}
