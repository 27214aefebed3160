package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ppiankov/aerobus/internal/cnc"
	"github.com/ppiankov/aerobus/internal/counters"
)

func newStatCmd(dir *string) *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "stat",
		Short: "Live dashboard over the driver counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := cnc.MapFile(*dir)
			if err != nil {
				return err
			}
			defer file.Close()
			reader := counters.NewReader(file.CounterMeta, file.CounterValues)

			if headless {
				printCounters(reader)
				return nil
			}

			model := newStatModel(*dir, file, reader)
			_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
			return err
		},
	}

	cmd.Flags().BoolVar(&headless, "headless", false, "print one snapshot and exit")
	return cmd
}

func printCounters(reader *counters.Reader) {
	reader.Scan(func(info counters.CounterInfo) {
		fmt.Printf("%3d: %20d  %s\n", info.ID, info.Value, info.Label)
	})
}

var (
	statTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statHeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	statDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statRateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
)

type statTickMsg time.Time

func statTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return statTickMsg(t)
	})
}

// statModel is the bubbletea model for the counters dashboard.
type statModel struct {
	dir    string
	file   *cnc.File
	reader *counters.Reader

	rows      []counters.CounterInfo
	prev      map[int32]int64
	rates     map[int32]float64
	lastTick  time.Time
	scrollOff int

	width  int
	height int
}

func newStatModel(dir string, file *cnc.File, reader *counters.Reader) statModel {
	return statModel{
		dir:    dir,
		file:   file,
		reader: reader,
		prev:   make(map[int32]int64),
		rates:  make(map[int32]float64),
		width:  100,
		height: 30,
	}
}

// Init starts the tick timer.
func (m statModel) Init() tea.Cmd {
	return statTick()
}

// Update handles messages.
func (m statModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case statTickMsg:
		now := time.Time(msg)
		var rows []counters.CounterInfo
		m.reader.Scan(func(info counters.CounterInfo) {
			rows = append(rows, info)
		})
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

		if !m.lastTick.IsZero() {
			elapsed := now.Sub(m.lastTick).Seconds()
			if elapsed > 0 {
				for _, row := range rows {
					if prev, ok := m.prev[row.ID]; ok {
						m.rates[row.ID] = float64(row.Value-prev) / elapsed
					}
				}
			}
		}
		m.prev = make(map[int32]int64, len(rows))
		for _, row := range rows {
			m.prev[row.ID] = row.Value
		}
		m.rows = rows
		m.lastTick = now
		return m, statTick()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.scrollOff > 0 {
				m.scrollOff--
			}
		case "down", "j":
			if m.scrollOff < len(m.rows)-1 {
				m.scrollOff++
			}
		case "g":
			m.scrollOff = 0
		case "G":
			if len(m.rows) > 0 {
				m.scrollOff = len(m.rows) - 1
			}
		}
	}
	return m, nil
}

// View renders the dashboard.
func (m statModel) View() string {
	var sb strings.Builder

	started := time.UnixMilli(m.file.StartTimestampMs)
	sb.WriteString(statTitleStyle.Render("aerobus stat"))
	sb.WriteString(statDimStyle.Render(fmt.Sprintf("  %s  pid %d  up %s",
		m.dir, m.file.PID, time.Since(started).Truncate(time.Second))))
	sb.WriteString("\n\n")

	sb.WriteString(statHeaderStyle.Render(fmt.Sprintf("%4s  %20s  %12s  %s", "id", "value", "rate/s", "label")))
	sb.WriteString("\n")

	visible := m.height - 5
	if visible < 1 {
		visible = 1
	}
	end := m.scrollOff + visible
	if end > len(m.rows) {
		end = len(m.rows)
	}
	for _, row := range m.rows[m.scrollOff:end] {
		rate := ""
		if r := m.rates[row.ID]; r != 0 {
			rate = statRateStyle.Render(fmt.Sprintf("%12.0f", r))
		} else {
			rate = fmt.Sprintf("%12s", "")
		}
		line := fmt.Sprintf("%4d  %20d  %s  %s", row.ID, row.Value, rate, row.Label)
		if m.width > 0 && len(line) > m.width {
			line = line[:m.width]
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(statDimStyle.Render(fmt.Sprintf("%d counters  ·  j/k scroll  ·  q quit", len(m.rows))))
	return sb.String()
}
