package conversation

// Result is the uniform outcome shape shared by live acknowledgments and HTTP bodies.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func ResultOf(data any, err error) Result {
	if err != nil {
		return Result{Success: false, Message: MessageOf(err)}
	}
	return Result{Success: true, Data: data}
}
