package services

import (
	"testing"
	"time"

	"manifold/models"
)

func TestStripTerminalSequences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "private mode toggles and SGR reset",
			input:    "\x1b[?2026h\x1b[?2004hHello world\x1b[0m",
			expected: "Hello world",
		},
		{
			name:     "movement sequences become spaces",
			input:    "Hello\x1b[10Gworld\x1b[3Ctest",
			expected: "Hello world test",
		},
		{
			name:     "cursor position",
			input:    "top\x1b[2;1Hbottom",
			expected: "top bottom",
		},
		{
			name:     "plain text unchanged",
			input:    "just some output",
			expected: "just some output",
		},
		{
			name:     "carriage returns removed",
			input:    "progress\rprogress done\r\n",
			expected: "progressprogress done",
		},
		{
			name:     "OSC title sequence",
			input:    "\x1b]0;window title\x07actual output",
			expected: "actual output",
		},
		{
			name:     "charset and keypad escapes",
			input:    "\x1b(Btext\x1b=more\x1b>",
			expected: "textmore",
		},
		{
			name:     "orphaned private fragment from split chunk",
			input:    "[?2026hreal text",
			expected: "real text",
		},
		{
			name:     "whitespace collapses and trims",
			input:    "  a \t b\n\nc  ",
			expected: "a b c",
		},
		{
			name:     "fully control output discarded",
			input:    "\x1b[?25l\x1b[2J\x1b[H",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripTerminalSequences(tt.input)
			if got != tt.expected {
				t.Errorf("StripTerminalSequences(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStripTerminalSequencesIdempotent(t *testing.T) {
	clean := "already clean text with words"
	once := StripTerminalSequences(clean)
	twice := StripTerminalSequences(once)
	if once != clean || twice != once {
		t.Errorf("stripping clean text changed it: %q -> %q -> %q", clean, once, twice)
	}
}

func TestProcessPtyOutputCoalesces(t *testing.T) {
	adapter := NewChatAdapter()
	adapter.SetFlushDelay(30 * time.Millisecond)

	adapter.ProcessPtyOutput("ses-1", "first fragment")
	adapter.ProcessPtyOutput("ses-1", "second fragment")

	time.Sleep(100 * time.Millisecond)

	msgs := adapter.GetMessages("ses-1")
	if len(msgs) != 1 {
		t.Fatalf("Expected exactly 1 coalesced message, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleAgent {
		t.Errorf("Expected agent role, got %s", msgs[0].Role)
	}
	if msgs[0].Text != "first fragment second fragment" {
		t.Errorf("Unexpected coalesced text: %q", msgs[0].Text)
	}
}

func TestProcessPtyOutputTimerResets(t *testing.T) {
	adapter := NewChatAdapter()
	adapter.SetFlushDelay(50 * time.Millisecond)

	adapter.ProcessPtyOutput("ses-1", "part one")
	time.Sleep(25 * time.Millisecond)
	// Still within the window: this must reset the timer, not flush.
	adapter.ProcessPtyOutput("ses-1", "part two")
	time.Sleep(25 * time.Millisecond)

	if msgs := adapter.GetMessages("ses-1"); len(msgs) != 0 {
		t.Fatalf("Buffer flushed too early: %d message(s)", len(msgs))
	}

	time.Sleep(60 * time.Millisecond)
	msgs := adapter.GetMessages("ses-1")
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message after inactivity, got %d", len(msgs))
	}
}

func TestProcessPtyOutputDiscardsEmpty(t *testing.T) {
	adapter := NewChatAdapter()
	adapter.SetFlushDelay(10 * time.Millisecond)

	adapter.ProcessPtyOutput("ses-1", "\x1b[?25l\x1b[0m")
	time.Sleep(50 * time.Millisecond)

	if msgs := adapter.GetMessages("ses-1"); len(msgs) != 0 {
		t.Errorf("Control-only output should not produce a message, got %d", len(msgs))
	}
}

func TestDirectMessagesBypassBuffer(t *testing.T) {
	adapter := NewChatAdapter()

	adapter.AddUserMessage("ses-1", "run the tests")
	adapter.AddSystemMessage("ses-1", "agent started")
	adapter.AddAgentMessage("ses-1", "on it")

	msgs := adapter.GetMessages("ses-1")
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	roles := []models.MessageRole{models.RoleUser, models.RoleSystem, models.RoleAgent}
	for i, role := range roles {
		if msgs[i].Role != role {
			t.Errorf("Message %d: expected role %s, got %s", i, role, msgs[i].Role)
		}
	}
}

func TestGetMessagesUnknownSession(t *testing.T) {
	adapter := NewChatAdapter()
	if msgs := adapter.GetMessages("no-such-session"); len(msgs) != 0 {
		t.Errorf("Expected empty log for unknown session, got %d messages", len(msgs))
	}
}

func TestOnMessageSubscription(t *testing.T) {
	adapter := NewChatAdapter()

	var first, second []string
	unsub1 := adapter.OnMessage("ses-1", func(msg models.ChatMessage) {
		first = append(first, msg.Text)
	})
	unsub2 := adapter.OnMessage("ses-1", func(msg models.ChatMessage) {
		second = append(second, msg.Text)
	})

	adapter.AddUserMessage("ses-1", "hello")
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("Both subscribers should receive the message: %d, %d", len(first), len(second))
	}

	unsub1()
	adapter.AddUserMessage("ses-1", "again")
	if len(first) != 1 {
		t.Errorf("Unsubscribed listener still received messages: %d", len(first))
	}
	if len(second) != 2 {
		t.Errorf("Remaining listener missed a message: %d", len(second))
	}

	unsub2()
}
