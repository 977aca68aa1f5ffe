package training

import "fmt"

// PlotType names a chart a plotting frontend knows how to draw.
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	ROCCurvePlot         PlotType = "roc_curve"
	ConfusionMatrixPlot  PlotType = "confusion_matrix"
)

// PlotData is the JSON description of one chart.
type PlotData struct {
	PlotType  PlotType           `json:"plot_type"`
	Title     string             `json:"title"`
	ModelName string             `json:"model_name"`
	Series    []SeriesData       `json:"series"`
	Config    PlotConfig         `json:"config"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// SeriesData is a single data series in a plot.
type SeriesData struct {
	Name  string         `json:"name"`
	Type  string         `json:"type"` // "line", "heatmap"
	Data  []DataPoint    `json:"data"`
	Style map[string]any `json:"style,omitempty"`
}

// DataPoint is a single point; Z carries heatmap cell values.
type DataPoint struct {
	X     any    `json:"x"`
	Y     any    `json:"y"`
	Z     any    `json:"z,omitempty"`
	Label string `json:"label,omitempty"`
}

// PlotConfig holds axis and layout options.
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"`
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// VisualizationCollector accumulates per-epoch history and evaluation
// results of one network and turns them into plot descriptions.
type VisualizationCollector struct {
	modelName string

	epochs        []int
	trainLoss     []float64
	valLoss       []float64
	trainAccuracy []float64
	valAccuracy   []float64
	learningRates []float64
	hasAccuracy   bool

	roc        []ROCPoint
	auc        float64
	confusion  [][]int
	classNames []string
}

// NewVisualizationCollector creates an empty collector for modelName.
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// RecordEpoch appends one epoch of losses and learning rate.
func (vc *VisualizationCollector) RecordEpoch(epoch int, trainLoss, valLoss, lr float64) {
	vc.epochs = append(vc.epochs, epoch)
	vc.trainLoss = append(vc.trainLoss, trainLoss)
	vc.valLoss = append(vc.valLoss, valLoss)
	vc.learningRates = append(vc.learningRates, lr)
	vc.trainAccuracy = append(vc.trainAccuracy, 0)
	vc.valAccuracy = append(vc.valAccuracy, 0)
}

// RecordAccuracy sets the accuracies of the most recently recorded epoch.
func (vc *VisualizationCollector) RecordAccuracy(trainAcc, valAcc float64) {
	n := len(vc.epochs)
	if n == 0 {
		return
	}
	vc.trainAccuracy[n-1] = trainAcc
	vc.valAccuracy[n-1] = valAcc
	vc.hasAccuracy = true
}

// RecordROC stores a binary ROC curve and its area.
func (vc *VisualizationCollector) RecordROC(points []ROCPoint, auc float64) {
	vc.roc = append([]ROCPoint(nil), points...)
	vc.auc = auc
}

// RecordConfusionMatrix stores a copy of cm with its class names.
func (vc *VisualizationCollector) RecordConfusionMatrix(cm *ConfusionMatrix, classNames []string) {
	vc.confusion = make([][]int, len(cm.Matrix))
	for i, row := range cm.Matrix {
		vc.confusion[i] = append([]int(nil), row...)
	}
	vc.classNames = append([]string(nil), classNames...)
}

func lineSeries(name string, xs []int, ys []float64, color string, dashed bool) SeriesData {
	s := SeriesData{
		Name:  name,
		Type:  "line",
		Data:  make([]DataPoint, len(ys)),
		Style: map[string]any{"color": color, "line_width": 2},
	}
	if dashed {
		s.Style["line_style"] = "dashed"
	}
	for i, y := range ys {
		s.Data[i] = DataPoint{X: xs[i] + 1, Y: y}
	}
	return s
}

// GenerateTrainingCurvesPlot plots losses, and accuracies when recorded,
// against the epoch number.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	series := []SeriesData{
		lineSeries("Training Loss", vc.epochs, vc.trainLoss, "#FF6B6B", false),
		lineSeries("Validation Loss", vc.epochs, vc.valLoss, "#FF9F43", true),
	}
	yLabel := "Loss"
	if vc.hasAccuracy {
		series = append(series,
			lineSeries("Training Accuracy", vc.epochs, vc.trainAccuracy, "#4ECDC4", false),
			lineSeries("Validation Accuracy", vc.epochs, vc.valAccuracy, "#5F27CD", true),
		)
		yLabel = "Loss / Accuracy"
	}
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: yLabel,
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// GenerateLearningRateSchedulePlot plots the learning rate per epoch.
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		ModelName: vc.modelName,
		Series:    []SeriesData{lineSeries("Learning Rate", vc.epochs, vc.learningRates, "#6C5CE7", false)},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
}

// GenerateROCCurvePlot plots the recorded ROC curve against the chance
// diagonal. ok is false when no curve was recorded.
func (vc *VisualizationCollector) GenerateROCCurvePlot() (plot PlotData, ok bool) {
	if len(vc.roc) == 0 {
		return PlotData{}, false
	}
	curve := SeriesData{
		Name:  "ROC Curve",
		Type:  "line",
		Data:  make([]DataPoint, len(vc.roc)),
		Style: map[string]any{"color": "#FF6B6B", "line_width": 2},
	}
	for i, p := range vc.roc {
		curve.Data[i] = DataPoint{X: p.FPR, Y: p.TPR}
	}
	chance := SeriesData{
		Name:  "Random Classifier",
		Type:  "line",
		Data:  []DataPoint{{X: 0.0, Y: 0.0}, {X: 1.0, Y: 1.0}},
		Style: map[string]any{"color": "#95A5A6", "line_width": 1, "line_style": "dashed"},
	}
	return PlotData{
		PlotType:  ROCCurvePlot,
		Title:     fmt.Sprintf("ROC Curve - %s (AUC = %.3f)", vc.modelName, vc.auc),
		ModelName: vc.modelName,
		Series:    []SeriesData{curve, chance},
		Config: PlotConfig{
			XAxisLabel: "False Positive Rate",
			YAxisLabel: "True Positive Rate",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      600,
			Height:     600,
		},
		Metrics: map[string]float64{"auc": vc.auc},
	}, true
}

// GenerateConfusionMatrixPlot renders the recorded matrix as a heatmap with
// predicted classes on X and true classes on Y. ok is false when no matrix
// was recorded.
func (vc *VisualizationCollector) GenerateConfusionMatrixPlot() (plot PlotData, ok bool) {
	if len(vc.confusion) == 0 {
		return PlotData{}, false
	}
	heat := SeriesData{Name: "Confusion Matrix", Type: "heatmap"}
	total := 0
	for i, row := range vc.confusion {
		for j, v := range row {
			heat.Data = append(heat.Data, DataPoint{
				X:     vc.classNames[j],
				Y:     vc.classNames[i],
				Z:     v,
				Label: fmt.Sprintf("%d", v),
			})
			total += v
		}
	}
	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", vc.modelName),
		ModelName: vc.modelName,
		Series:    []SeriesData{heat},
		Config: PlotConfig{
			XAxisLabel: "Predicted Label",
			YAxisLabel: "True Label",
			Width:      600,
			Height:     600,
		},
		Metrics: map[string]float64{"samples": float64(total)},
	}, true
}

// Plots returns every plot the recorded data supports.
func (vc *VisualizationCollector) Plots() []PlotData {
	var plots []PlotData
	if len(vc.epochs) > 0 {
		plots = append(plots, vc.GenerateTrainingCurvesPlot(), vc.GenerateLearningRateSchedulePlot())
	}
	if p, ok := vc.GenerateConfusionMatrixPlot(); ok {
		plots = append(plots, p)
	}
	if p, ok := vc.GenerateROCCurvePlot(); ok {
		plots = append(plots, p)
	}
	return plots
}
