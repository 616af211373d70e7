// SPDX-License-Identifier: MIT
package protocol

// ProcessorDescriptor describes one remote processing mode.
type ProcessorDescriptor struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Dependencies []int  `json:"dependencies"`
	ExpectsInput string `json:"expects_input"`
	Description  string `json:"description"`
}

// ProcessorList is the body of GET /processors.
type ProcessorList struct {
	Processors []ProcessorDescriptor `json:"processors"`
}
