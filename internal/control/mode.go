package control

import "irrigation-registry-backend/internal/model"

var cycle = map[model.PumpMode]model.PumpMode{
	model.ModeAuto:      model.ModeManual,
	model.ModeManual:    model.ModeScheduled,
	model.ModeScheduled: model.ModeAuto,
}

// NextMode is the user-driven transition AUTO -> MANUAL -> SCHEDULED -> AUTO.
// Unknown modes restart the cycle at AUTO.
func NextMode(m model.PumpMode) model.PumpMode {
	if next, ok := cycle[m]; ok {
		return next
	}
	return model.ModeAuto
}
