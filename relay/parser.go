package relay

// Incremental recognizer for the server side of the wire protocol: INFO,
// MSG, HMSG, PING, PONG, +OK and -ERR. The parser consumes whatever slice
// the read loop hands it and keeps enough scratch state to resume mid-op,
// mid-argument or mid-payload on the next call, so a control line or
// payload split across reads is never re-scanned and never consumed twice.

type parserState int

const (
	opStart parserState = iota
	opPlus
	opPlusO
	opPlusOK
	opMinus
	opMinusE
	opMinusER
	opMinusERR
	opMinusErrSpc
	minusErrArg
	opM
	opMs
	opMsg
	opMsgSpc
	msgArg
	msgPayload
	msgEnd
	opH
	opP
	opPi
	opPin
	opPing
	opPo
	opPon
	opPong
	opI
	opIn
	opInf
	opInfo
	opInfoSpc
	infoArg
)

type msgArgs struct {
	subject []byte
	reply   []byte
	sid     int64
	hdr     int
	size    int
}

type parser struct {
	state parserState
	as    int
	drop  int
	hdr   int
	ma    msgArgs

	// argBuf and msgBuf hold partial control-line arguments and payloads
	// when an op straddles two reads; nil whenever parsing is aligned with
	// the read buffer.
	argBuf []byte
	msgBuf []byte
}

func (conn *Conn) parse(buf []byte) error {
	ps := &conn.ps
	var i int
	var b byte

	for i = 0; i < len(buf); i++ {
		b = buf[i]

		switch ps.state {
		case opStart:
			switch b {
			case 'M', 'm':
				ps.state = opM
				ps.hdr = -1
				ps.ma.hdr = -1
			case 'H', 'h':
				ps.state = opH
				ps.hdr = 0
				ps.ma.hdr = 0
			case 'P', 'p':
				ps.state = opP
			case '+':
				ps.state = opPlus
			case '-':
				ps.state = opMinus
			case 'I', 'i':
				ps.state = opI
			default:
				goto parseErr
			}
		case opH:
			switch b {
			case 'M', 'm':
				ps.state = opM
			default:
				goto parseErr
			}
		case opM:
			switch b {
			case 'S', 's':
				ps.state = opMs
			default:
				goto parseErr
			}
		case opMs:
			switch b {
			case 'G', 'g':
				ps.state = opMsg
			default:
				goto parseErr
			}
		case opMsg:
			switch b {
			case ' ', '\t':
				ps.state = opMsgSpc
			default:
				goto parseErr
			}
		case opMsgSpc:
			switch b {
			case ' ', '\t':
				continue
			default:
				ps.state = msgArg
				ps.as = i
			}
		case msgArg:
			switch b {
			case '\r':
				ps.drop = 1
			case '\n':
				var arg []byte
				if ps.argBuf != nil {
					arg = ps.argBuf
				} else {
					arg = buf[ps.as : i-ps.drop]
				}
				if err := conn.processMsgArgs(arg); err != nil {
					return err
				}
				ps.drop, ps.as, ps.state = 0, i+1, msgPayload

				// Skip ahead to the end of the payload when it is fully
				// inside the current read.
				i = ps.as + ps.ma.size - 1
			default:
				if ps.argBuf != nil {
					if len(ps.argBuf) >= maxControlLineSize {
						goto parseErr
					}
					ps.argBuf = append(ps.argBuf, b)
				}
			}
		case msgPayload:
			if ps.msgBuf != nil {
				if len(ps.msgBuf) >= ps.ma.size {
					conn.processMsg(ps.msgBuf)
					ps.argBuf, ps.msgBuf, ps.state = nil, nil, msgEnd
				} else {
					// Accumulate as much of the split payload as this read
					// holds.
					toCopy := ps.ma.size - len(ps.msgBuf)
					avail := len(buf) - i
					if toCopy > avail {
						toCopy = avail
					}
					ps.msgBuf = append(ps.msgBuf, buf[i:i+toCopy]...)
					i = i + toCopy - 1
				}
			} else if i-ps.as >= ps.ma.size {
				conn.processMsg(buf[ps.as:i])
				ps.argBuf, ps.msgBuf, ps.state = nil, nil, msgEnd
			}
		case msgEnd:
			switch b {
			case '\n':
				ps.drop, ps.as, ps.state = 0, i+1, opStart
			default:
				continue
			}
		case opPlus:
			switch b {
			case 'O', 'o':
				ps.state = opPlusO
			default:
				goto parseErr
			}
		case opPlusO:
			switch b {
			case 'K', 'k':
				ps.state = opPlusOK
			default:
				goto parseErr
			}
		case opPlusOK:
			switch b {
			case '\n':
				conn.processOK()
				ps.drop, ps.state = 0, opStart
			}
		case opMinus:
			switch b {
			case 'E', 'e':
				ps.state = opMinusE
			default:
				goto parseErr
			}
		case opMinusE:
			switch b {
			case 'R', 'r':
				ps.state = opMinusER
			default:
				goto parseErr
			}
		case opMinusER:
			switch b {
			case 'R', 'r':
				ps.state = opMinusERR
			default:
				goto parseErr
			}
		case opMinusERR:
			switch b {
			case ' ', '\t':
				ps.state = opMinusErrSpc
			default:
				goto parseErr
			}
		case opMinusErrSpc:
			switch b {
			case ' ', '\t':
				continue
			default:
				ps.state = minusErrArg
				ps.as = i
			}
		case minusErrArg:
			switch b {
			case '\r':
				ps.drop = 1
			case '\n':
				var arg []byte
				if ps.argBuf != nil {
					arg = ps.argBuf
					ps.argBuf = nil
				} else {
					arg = buf[ps.as : i-ps.drop]
				}
				conn.processErr(string(arg))
				ps.drop, ps.as, ps.state = 0, i+1, opStart
			default:
				if ps.argBuf != nil {
					ps.argBuf = append(ps.argBuf, b)
				}
			}
		case opP:
			switch b {
			case 'I', 'i':
				ps.state = opPi
			case 'O', 'o':
				ps.state = opPo
			default:
				goto parseErr
			}
		case opPo:
			switch b {
			case 'N', 'n':
				ps.state = opPon
			default:
				goto parseErr
			}
		case opPon:
			switch b {
			case 'G', 'g':
				ps.state = opPong
			default:
				goto parseErr
			}
		case opPong:
			switch b {
			case '\n':
				conn.processPong()
				ps.drop, ps.state = 0, opStart
			}
		case opPi:
			switch b {
			case 'N', 'n':
				ps.state = opPin
			default:
				goto parseErr
			}
		case opPin:
			switch b {
			case 'G', 'g':
				ps.state = opPing
			default:
				goto parseErr
			}
		case opPing:
			switch b {
			case '\n':
				conn.processPing()
				ps.drop, ps.state = 0, opStart
			}
		case opI:
			switch b {
			case 'N', 'n':
				ps.state = opIn
			default:
				goto parseErr
			}
		case opIn:
			switch b {
			case 'F', 'f':
				ps.state = opInf
			default:
				goto parseErr
			}
		case opInf:
			switch b {
			case 'O', 'o':
				ps.state = opInfo
			default:
				goto parseErr
			}
		case opInfo:
			switch b {
			case ' ', '\t':
				ps.state = opInfoSpc
			default:
				goto parseErr
			}
		case opInfoSpc:
			switch b {
			case ' ', '\t':
				continue
			default:
				ps.state = infoArg
				ps.as = i
			}
		case infoArg:
			switch b {
			case '\r':
				ps.drop = 1
			case '\n':
				var arg []byte
				if ps.argBuf != nil {
					arg = ps.argBuf
					ps.argBuf = nil
				} else {
					arg = buf[ps.as : i-ps.drop]
				}
				if err := conn.processAsyncInfo(arg); err != nil {
					return err
				}
				ps.drop, ps.as, ps.state = 0, i+1, opStart
			default:
				if ps.argBuf != nil {
					if len(ps.argBuf) >= maxControlLineSize {
						goto parseErr
					}
					ps.argBuf = append(ps.argBuf, b)
				}
			}
		default:
			goto parseErr
		}
	}

	// A short read left us inside an argument or payload; clone the
	// leftover into scratch buffers so the next read can resume.
	switch ps.state {
	case msgArg, minusErrArg, infoArg:
		if ps.argBuf == nil {
			remaining := buf[ps.as : i-ps.drop]
			if len(remaining) > maxControlLineSize {
				goto parseErr
			}
			ps.argBuf = append(make([]byte, 0, len(remaining)+32), remaining...)
		}
	case msgPayload:
		// The fast-forward above may have pushed i past the end of the
		// read; clone only what the buffer actually holds.
		if ps.msgBuf == nil && ps.as < len(buf) {
			ps.msgBuf = append(make([]byte, 0, ps.ma.size), buf[ps.as:]...)
		} else if ps.msgBuf == nil {
			ps.msgBuf = make([]byte, 0, ps.ma.size)
		}
	}

	return nil

parseErr:
	badState := int(ps.state)
	conn.ps = parser{}
	return NewError(ProtocolError, "parse error at state "+itoa(badState))
}

// processMsgArgs splits a MSG or HMSG control-line argument block into the
// subject, optional reply, sid and declared sizes. For HMSG the first size
// is the header block length and the second the total length.
func (conn *Conn) processMsgArgs(arg []byte) error {
	ps := &conn.ps

	var args [5][]byte
	count := 0
	start := -1
	for i, b := range arg {
		switch b {
		case ' ', '\t':
			if start >= 0 {
				if count >= len(args) {
					return NewError(ProtocolError, "too many message arguments")
				}
				args[count] = arg[start:i]
				count++
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		if count >= len(args) {
			return NewError(ProtocolError, "too many message arguments")
		}
		args[count] = arg[start:]
		count++
	}

	if ps.hdr >= 0 {
		// HMSG <subject> [reply] <#hdr> <#total>
		switch count {
		case 4:
			ps.ma.subject, ps.ma.reply = args[0], nil
			ps.ma.sid = parseInt64(args[1])
			ps.ma.hdr = int(parseInt64(args[2]))
			ps.ma.size = int(parseInt64(args[3]))
		case 5:
			ps.ma.subject, ps.ma.reply = args[0], args[2]
			ps.ma.sid = parseInt64(args[1])
			ps.ma.hdr = int(parseInt64(args[3]))
			ps.ma.size = int(parseInt64(args[4]))
		default:
			return NewError(ProtocolError, "wrong number of HMSG arguments")
		}
		if ps.ma.hdr < 0 || ps.ma.hdr > ps.ma.size {
			return NewError(ProtocolError, "bad header size in HMSG")
		}
	} else {
		// MSG <subject> [reply] <#bytes>
		switch count {
		case 3:
			ps.ma.subject, ps.ma.reply = args[0], nil
			ps.ma.sid = parseInt64(args[1])
			ps.ma.size = int(parseInt64(args[2]))
		case 4:
			ps.ma.subject, ps.ma.reply = args[0], args[2]
			ps.ma.sid = parseInt64(args[1])
			ps.ma.size = int(parseInt64(args[3]))
		default:
			return NewError(ProtocolError, "wrong number of MSG arguments")
		}
	}

	if ps.ma.sid < 0 || ps.ma.size < 0 {
		return NewError(ProtocolError, "bad message size or sid")
	}

	// When the args straddled reads, subject and reply alias argBuf; copy
	// them out so the scratch buffer can be released after the payload.
	if ps.argBuf != nil {
		ps.ma.subject = append([]byte(nil), ps.ma.subject...)
		if ps.ma.reply != nil {
			ps.ma.reply = append([]byte(nil), ps.ma.reply...)
		}
	}

	return nil
}

func parseInt64(digits []byte) int64 {
	if len(digits) == 0 {
		return -1
	}
	var n int64
	for _, d := range digits {
		if d < '0' || d > '9' {
			return -1
		}
		n = n*10 + int64(d-'0')
	}
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}
