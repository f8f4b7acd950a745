package synth

import (
	"fmt"
	"io"
	"time"

	"example.com/motionscript/internal/domain"
)

// Header carries run metadata rendered at the top of the script.
type Header struct {
	RunID     string
	Video     string
	Generated time.Time
}

// WriteScript renders the command sequence as the plain-text robot program:
// one statement per command, annotated with the source action label.
func WriteScript(w io.Writer, header Header, commands []domain.RobotCommand) error {
	if _, err := fmt.Fprintf(w, "# motionscript robot program\n# run=%s video=%s generated=%s\n# commands=%d\n",
		header.RunID, header.Video, header.Generated.UTC().Format(time.RFC3339), len(commands)); err != nil {
		return err
	}

	for _, cmd := range commands {
		var line string
		switch cmd.Kind {
		case domain.CommandMove:
			line = fmt.Sprintf("MOVE t=%.3f d=%.3f x=%.4f y=%.4f z=%.4f",
				cmd.Start.Seconds(), cmd.Duration.Seconds(), cmd.Target.X, cmd.Target.Y, cmd.Target.Z)
		case domain.CommandWait:
			line = fmt.Sprintf("WAIT t=%.3f d=%.3f", cmd.Start.Seconds(), cmd.Duration.Seconds())
		case domain.CommandGripper:
			line = fmt.Sprintf("GRIP t=%.3f d=%.3f action=%s x=%.4f y=%.4f z=%.4f",
				cmd.Start.Seconds(), cmd.Duration.Seconds(), cmd.Action, cmd.Target.X, cmd.Target.Y, cmd.Target.Z)
		default:
			return fmt.Errorf("unknown command kind %q at %.3fs", cmd.Kind, cmd.Start.Seconds())
		}

		label := domain.ActionLabel("")
		if cmd.Segment != nil {
			label = cmd.Segment.Label
		}
		if _, err := fmt.Fprintf(w, "%s ; %s\n", line, label); err != nil {
			return err
		}
	}
	return nil
}
