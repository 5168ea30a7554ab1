package ui

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/presence"
)

const maxCellWidth = 40

// RoomsView renders one row per peer, grouped by room.
func RoomsView(rooms []presence.Room) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No active rooms")
	}

	var rows [][]string
	for _, room := range rooms {
		for i, p := range room.Peers {
			roomCell, countCell := "", ""
			if i == 0 {
				roomCell = truncate(room.RoomID, maxCellWidth)
				countCell = strconv.Itoa(room.PeerCount)
			}
			muted := ""
			if p.IsMuted {
				muted = "yes"
			}
			rows = append(rows, []string{
				roomCell,
				countCell,
				truncate(p.PeerID, maxCellWidth),
				truncate(p.DisplayName, maxCellWidth),
				muted,
			})
		}
	}

	return newTable("Room", "Peers", "Peer ID", "Name", "Muted").Rows(rows...).Render()
}

// PeersView renders a single room's membership.
func PeersView(peers []presence.Peer) string {
	if len(peers) == 0 {
		return MutedStyle.Render("Room is empty")
	}
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		muted := ""
		if p.IsMuted {
			muted = "yes"
		}
		rows = append(rows, []string{truncate(p.PeerID, maxCellWidth), truncate(p.DisplayName, maxCellWidth), muted})
	}
	return newTable("Peer ID", "Name", "Muted").Rows(rows...).Render()
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
