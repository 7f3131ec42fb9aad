package proto

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	GreetingIdentifier = "VOTIFIER"
	MaxGreetingSize    = 256
)

type Greeting struct {
	Version   string
	Challenge string
}

func (g Greeting) Line() string {
	if g.Challenge == "" {
		return GreetingIdentifier + " " + g.Version + "\n"
	}
	return GreetingIdentifier + " " + g.Version + " " + g.Challenge + "\n"
}

func WriteGreeting(w io.Writer, g Greeting) error {
	if g.Version == "" || strings.ContainsAny(g.Version, " \r\n") {
		return fmt.Errorf("bad greeting version %q", g.Version)
	}
	if strings.ContainsAny(g.Challenge, " \r\n") {
		return fmt.Errorf("bad greeting challenge")
	}
	line := []byte(g.Line())
	total := 0
	for total < len(line) {
		n, err := w.Write(line[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// ReadGreeting is the voting-site side of the greeting exchange.
func ReadGreeting(r *bufio.Reader) (Greeting, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Greeting{}, err
		}
		if b == '\n' {
			break
		}
		buf = append(buf, b)
		if len(buf) > MaxGreetingSize {
			return Greeting{}, fmt.Errorf("greeting too long")
		}
	}
	return ParseGreeting(string(buf))
}

func ParseGreeting(line string) (Greeting, error) {
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(fields) < 2 || len(fields) > 3 || fields[0] != GreetingIdentifier {
		return Greeting{}, fmt.Errorf("bad greeting %q", line)
	}
	g := Greeting{Version: fields[1]}
	if len(fields) == 3 {
		g.Challenge = fields[2]
	}
	return g, nil
}
