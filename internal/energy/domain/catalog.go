package domain

import "sort"

// Action is a billable operation with a fixed energy cost.
type Action string

const (
	ActionConseilRapide       Action = "conseil_rapide"
	ActionQuestionSimple      Action = "question_simple"
	ActionOptimisationProfil  Action = "optimisation_profil"
	ActionLettreMotivation    Action = "lettre_motivation"
	ActionAnalyseCV           Action = "analyse_cv"
	ActionSimulationEntretien Action = "simulation_entretien"
	ActionPlanCarriere        Action = "plan_carriere"
	ActionBilanCompetences    Action = "bilan_competences"
	ActionCoachingApprofondi  Action = "coaching_approfondi"
)

// BasicAction is the cheapest everyday action; its cost decides
// CanPerformBasicAction.
const BasicAction = ActionConseilRapide

var actionCosts = map[Action]float64{
	ActionConseilRapide:       5,
	ActionQuestionSimple:      3,
	ActionOptimisationProfil:  10,
	ActionLettreMotivation:    15,
	ActionAnalyseCV:           20,
	ActionSimulationEntretien: 25,
	ActionPlanCarriere:        30,
	ActionBilanCompetences:    35,
	ActionCoachingApprofondi:  50,
}

func ParseAction(name string) (Action, error) {
	action := Action(name)
	if _, ok := actionCosts[action]; !ok {
		return "", &ValidationError{Field: "action", Code: "unknown_action", Message: "unknown action " + name}
	}
	return action, nil
}

// CostUnits returns the cost in fixed-point units.
func (a Action) CostUnits() int64 {
	return ToUnits(actionCosts[a])
}

func (a Action) Cost() float64 {
	return actionCosts[a]
}

// Actions lists the catalog ordered by cost.
func Actions() []Action {
	out := make([]Action, 0, len(actionCosts))
	for action := range actionCosts {
		out = append(out, action)
	}
	sort.Slice(out, func(i, j int) bool {
		if actionCosts[out[i]] == actionCosts[out[j]] {
			return out[i] < out[j]
		}
		return actionCosts[out[i]] < actionCosts[out[j]]
	})
	return out
}

type Pack string

const (
	PackPetite   Pack = "recharge_petite"
	PackStandard Pack = "recharge_standard"
	PackGrande   Pack = "recharge_grande"
)

var packEnergy = map[Pack]float64{
	PackPetite:   30,
	PackStandard: 100,
	PackGrande:   250,
}

var packOrder = []Pack{PackPetite, PackStandard, PackGrande}

func ParsePack(name string) (Pack, error) {
	pack := Pack(name)
	if _, ok := packEnergy[pack]; !ok {
		return "", &ValidationError{Field: "pack", Code: "unknown_pack", Message: "unknown pack " + name}
	}
	return pack, nil
}

func (p Pack) EnergyUnits() int64 {
	return ToUnits(packEnergy[p])
}

// SuggestPack returns the smallest pack that covers deficit units, or the
// largest pack when none does.
func SuggestPack(deficit int64) Pack {
	for _, pack := range packOrder {
		if pack.EnergyUnits() >= deficit {
			return pack
		}
	}
	return packOrder[len(packOrder)-1]
}
