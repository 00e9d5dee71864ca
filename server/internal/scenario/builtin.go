package scenario

import "helpnow/server/internal/model"

// Builtin 返回内置场景库，未配置 catalog_path 时使用。
func Builtin() *Catalog {
	c, err := NewCatalog(builtinEntries)
	if err != nil {
		panic("builtin scenarios: " + err.Error())
	}
	return c
}

var builtinEntries = []Entry{
	{
		EmergencyScenario: model.EmergencyScenario{
			ID:    "choking",
			Title: "Choking Emergency",
			Steps: []model.EmergencyStep{
				{ID: 1, Type: model.StepTypeInfo, Instruction: "If the person can cough, speak, or breathe, encourage them to keep coughing to clear the blockage."},
				{ID: 2, Type: model.StepTypeAction, Instruction: "If they cannot breathe, cough, or speak, stand behind them and place your arms around their waist."},
				{ID: 3, Type: model.StepTypeAction, Instruction: "Make a fist with one hand and place it just above their navel, thumb side against the abdomen."},
				{ID: 4, Type: model.StepTypeAction, Instruction: "Grasp your fist with your other hand and give quick upward thrusts into the abdomen."},
				{ID: 5, Type: model.StepTypeWarning, Instruction: "Continue until the object is expelled or the person becomes unconscious. Call 911 immediately if unsuccessful."},
			},
		},
		Keywords: []string{"chok", "can't breathe", "cannot breathe", "swallow", "stuck in throat", "heimlich"},
	},
	{
		EmergencyScenario: model.EmergencyScenario{
			ID:    "cuts",
			Title: "Severe Bleeding",
			Steps: []model.EmergencyStep{
				{ID: 1, Type: model.StepTypeAction, Instruction: "Apply direct pressure to the wound with a clean cloth or bandage."},
				{ID: 2, Type: model.StepTypeWarning, Instruction: "If blood soaks through, add more layers without removing the first cloth."},
				{ID: 3, Type: model.StepTypeAction, Instruction: "Elevate the injured area above heart level if possible."},
				{ID: 4, Type: model.StepTypeAction, Instruction: "If bleeding doesn't stop, apply pressure to pressure points between the wound and the heart."},
				{ID: 5, Type: model.StepTypeWarning, Instruction: "Call 911 immediately for severe bleeding that won't stop."},
			},
		},
		Keywords: []string{"bleed", "blood", "cut", "wound", "knife", "laceration"},
	},
	{
		EmergencyScenario: model.EmergencyScenario{
			ID:    "burns",
			Title: "Burn Treatment",
			Steps: []model.EmergencyStep{
				{ID: 1, Type: model.StepTypeWarning, Instruction: "Remove the person from the source of the burn and ensure the area is safe."},
				{ID: 2, Type: model.StepTypeAction, Instruction: "Cool the burn with cool (not cold) running water for 10-20 minutes."},
				{ID: 3, Type: model.StepTypeAction, Instruction: "Remove jewelry and loose clothing from the burned area before swelling begins."},
				{ID: 4, Type: model.StepTypeAction, Instruction: "Cover the burn with a sterile, non-adhesive bandage or clean cloth."},
				{ID: 5, Type: model.StepTypeWarning, Instruction: "Seek immediate medical attention for burns larger than 3 inches or on face, hands, feet, or genitals."},
			},
		},
		Keywords: []string{"burn", "scald", "fire", "hot water", "stove", "blister"},
	},
}
