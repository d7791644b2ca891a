package metricexport

import "fmt"

// OpenBatch writes the array preamble. For the HTTP variant it must be
// the first write of the cycle, right after BeginCycle.
func (inst *Instance) OpenBatch() {
	inst.buffer.WriteString("[\n")
}

// FinalizedBody is a completed array-framed request body. Only
// CloseBatch produces one, so a header can never be built over a body
// that is still growing.
type FinalizedBody struct {
	data []byte
}

// Bytes returns the body bytes.
func (b FinalizedBody) Bytes() []byte {
	return b.data
}

// Len returns the exact body byte length.
func (b FinalizedBody) Len() int {
	return len(b.data)
}

// CloseBatch terminates the array, hands the finished body over and
// resets the instance buffer for the next cycle.
func (inst *Instance) CloseBatch() FinalizedBody {
	inst.buffer.WriteString("\n]\n")
	data := make([]byte, inst.buffer.Len())
	copy(data, inst.buffer.Bytes())
	inst.buffer.Reset()
	inst.records = 0
	return FinalizedBody{data: data}
}

// TakeBody hands over the line-mode cycle output and resets the buffer.
func (inst *Instance) TakeBody() []byte {
	data := make([]byte, inst.buffer.Len())
	copy(data, inst.buffer.Bytes())
	inst.buffer.Reset()
	inst.records = 0
	return data
}

// PrepareHeader builds the HTTP request header for a finalized body.
// Content-Length is the exact body byte length.
func PrepareHeader(inst *Instance, body FinalizedBody) []byte {
	return []byte(fmt.Sprintf(
		"POST /api/put HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Content-Type: application/json\r\n"+
			"Content-Length: %d\r\n"+
			"\r\n",
		inst.Destination,
		body.Len()))
}
