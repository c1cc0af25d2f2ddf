package logging

import "log/slog"

const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldDeliveryID = "delivery_id"
	FieldEventType  = "event_type"
	FieldSubjectID  = "subject_id"
	FieldUserID     = "user_id"
	FieldKind       = "kind"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldError      = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func DeliveryID(id string) slog.Attr {
	return slog.String(FieldDeliveryID, id)
}

func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

func SubjectID(id string) slog.Attr {
	return slog.String(FieldSubjectID, id)
}

func UserID(id string) slog.Attr {
	return slog.String(FieldUserID, id)
}

func Kind(kind string) slog.Attr {
	return slog.String(FieldKind, kind)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Error returns an attribute for err. A nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
